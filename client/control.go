package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luma/pjlink/protocol"
)

// Control applies (property, value) to the device: the matching catalog
// command is cloned, patched and sent, and on success a copy of the cached
// snapshot carrying the new value replaces the cache, so hosts see the new
// value before the next poll.
//
// Error mapping: ERR1 marks the property unsupported and surfaces
// ErrUnsupported; ERR2, ERR3 and ERR4 surface as ErrBadParameter,
// ErrDeviceBusy and ErrDeviceFailure. Unknown property names are a no-op.
func (c *Client) Control(ctx context.Context, property, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.log.Debug("Dispatching control",
		zap.String("property", property),
		zap.String("value", value))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastControlAt = time.Now()

	data, tag, err := c.buildControlCommand(property, value)
	if err != nil {
		return err
	}

	if data == nil {
		c.log.Warn("Ignoring control for unknown property", zap.String("property", property))
		return nil
	}

	if c.isUnsupported(property) || c.isUnsupported(tag) {
		return fmt.Errorf("%w: %s", protocol.ErrUnsupported, property)
	}

	resp, err := c.sendWithRetry(data, tag)
	if err != nil {
		return err
	}

	if derr := resp.ErrorOrNil(); derr != nil {
		if derr == protocol.ErrUnsupported {
			c.markUnsupported(property)
			return fmt.Errorf("%w: %s", protocol.ErrUnsupported, property)
		}

		return derr
	}

	c.applyControlToCache(property, value)

	return nil
}

// buildControlCommand clones the catalog entry for the property and
// patches its parameter bytes. A nil command with a nil error means the
// property is not recognized.
func (c *Client) buildControlCommand(property, value string) ([]byte, string, error) {
	onOff := byte('0')
	if value == "1" {
		onOff = '1'
	}

	switch property {
	case PowerProperty:
		data := protocol.PowerSet.Clone()
		data[protocol.PowerSet.ParamOffsets[0]] = onOff
		return data, protocol.PowerSet.Tag, nil

	case FreezeProperty:
		data := protocol.FreezeSet.Clone()
		data[protocol.FreezeSet.ParamOffsets[0]] = onOff
		return data, protocol.FreezeSet.Tag, nil

	case VideoMuteProperty:
		data := protocol.VideoMuteSet.Clone()
		data[protocol.VideoMuteSet.ParamOffsets[0]] = onOff
		return data, protocol.VideoMuteSet.Tag, nil

	case AudioMuteProperty:
		data := protocol.AudioMuteSet.Clone()
		data[protocol.AudioMuteSet.ParamOffsets[0]] = onOff
		return data, protocol.AudioMuteSet.Tag, nil

	case InputProperty:
		code, found := c.inputs.codeOf(value)
		if !found || len(code) != 2 {
			return nil, "", fmt.Errorf("%w: no input code for %q", protocol.ErrBadParameter, value)
		}

		data := protocol.InputSet.Clone()
		data[protocol.InputSet.ParamOffsets[0]] = code[0]
		data[protocol.InputSet.ParamOffsets[1]] = code[1]
		return data, protocol.InputSet.Tag, nil

	case SpeakerVolumeUp:
		return patchedVolume(protocol.SpeakerVolSet, '1'), protocol.SpeakerVolSet.Tag, nil

	case SpeakerVolumeDown:
		return patchedVolume(protocol.SpeakerVolSet, '0'), protocol.SpeakerVolSet.Tag, nil

	case MicrophoneVolumeUp:
		return patchedVolume(protocol.MicVolSet, '1'), protocol.MicVolSet.Tag, nil

	case MicrophoneVolumeDown:
		return patchedVolume(protocol.MicVolSet, '0'), protocol.MicVolSet.Tag, nil
	}

	return nil, "", nil
}

func patchedVolume(cmd protocol.Command, direction byte) []byte {
	data := cmd.Clone()
	data[cmd.ParamOffsets[0]] = direction
	return data
}

// applyControlToCache folds a successful control into the cached snapshot
// without waiting for the next poll. Powering the device off also retires
// the controls that only exist while it is on.
func (c *Client) applyControlToCache(property, value string) {
	if c.snapshot == nil {
		return
	}

	switch property {
	case SpeakerVolumeUp, SpeakerVolumeDown, MicrophoneVolumeUp, MicrophoneVolumeDown:
		// Momentary buttons carry no value.
		return
	}

	snap := c.snapshot.clone()
	snap.put(property, value)
	snap.setControlValue(property, value)

	if property == PowerProperty && value == "0" {
		snap.dropControls(InputProperty, AudioMuteProperty, VideoMuteProperty, FreezeProperty)
	}

	c.snapshot = snap
}
