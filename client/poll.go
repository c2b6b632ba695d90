package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/luma/pjlink/protocol"
)

// Poll assembles one snapshot of the device state. The whole cycle runs
// as a single critical section so a concurrent control cannot interleave
// into the middle of the command sequence.
//
// Within 5s of a control the cached snapshot is returned unchanged,
// giving the device time to settle before it is re-read.
func (c *Client) Poll(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil && time.Since(c.lastControlAt) < controlCooldown {
		c.log.Debug("Device is settling after a control, returning the cached snapshot")
		return c.snapshot, nil
	}

	snap := newSnapshot()

	if err := c.probeClass(snap); err != nil {
		return nil, err
	}

	if c.class == protocol.Class1 || c.class == protocol.Class2 {
		if err := c.pollClass1(ctx, snap); err != nil {
			return nil, err
		}
	}

	if c.class == protocol.Class2 {
		if err := c.pollClass2(ctx, snap); err != nil {
			return nil, err
		}
	}

	c.populateMetadata(snap)

	c.snapshot = snap
	c.validStatsDeadline = time.Now().Add(statsValidity)

	return snap, nil
}

// probeClass issues CLSS? and pins the device class for the session.
func (c *Client) probeClass(snap *Snapshot) error {
	value, err := c.queryValue(protocol.ClassQuery)
	if err != nil {
		return err
	}

	switch value {
	case "1":
		c.class = protocol.Class1
	case "2":
		c.class = protocol.Class2
	}

	snap.put(PJLinkClassProperty, value)

	return nil
}

// pollClass1 runs the fixed Class 1 sequence: AVMT?, ERST?, LAMP?, NAME?,
// INF1?, INF2?, INFO?, POWR?. Unsupported commands are skipped.
func (c *Client) pollClass1(ctx context.Context, snap *Snapshot) error {
	avmt, err := c.queryValue(protocol.AVMuteQuery)
	if err != nil {
		return err
	}

	erst, err := c.queryValue(protocol.ErrStatusQuery)
	if err != nil {
		return err
	}

	lamp, err := c.queryValue(protocol.LampQuery)
	if err != nil {
		return err
	}

	name, err := c.queryValue(protocol.NameQuery)
	if err != nil {
		return err
	}

	inf1, err := c.queryValue(protocol.Inf1Query)
	if err != nil {
		return err
	}

	inf2, err := c.queryValue(protocol.Inf2Query)
	if err != nil {
		return err
	}

	info, err := c.queryValue(protocol.InfoQuery)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	power, err := c.queryValue(protocol.PowerQuery)
	if err != nil {
		return err
	}

	snap.put(PowerProperty, power)
	snap.addSwitch(PowerProperty, power)

	poweredOn := power == "1"

	if audio, video, ok := protocol.ParseAVMute(avmt); ok {
		snap.put(AudioMuteProperty, audio)
		snap.put(VideoMuteProperty, video)

		if poweredOn {
			snap.addSwitch(AudioMuteProperty, audio)
			snap.addSwitch(VideoMuteProperty, video)
		}
	} else {
		c.log.Debug("AVMT value has no mute mapping", zap.String("value", avmt))
	}

	if status, ok := protocol.ParseErrorStatus(erst); ok {
		snap.put(ErrorFanProperty, status.Fan)
		snap.put(ErrorLampProperty, status.Lamp)
		snap.put(ErrorTemperatureProperty, status.Temperature)
		snap.put(ErrorCoverProperty, status.CoverOpen)
		snap.put(ErrorFilterProperty, status.Filter)
		snap.put(ErrorOtherProperty, status.Other)
	}

	for i, l := range protocol.ParseLamps(lamp) {
		snap.put(fmt.Sprintf("Lamp#Lamp%dUsageTime", i+1), l.UsageHours)
		snap.put(fmt.Sprintf("Lamp#Lamp%dStatus", i+1), l.Status)
	}

	snap.put(DeviceNameProperty, name)
	snap.put(ManufacturerProperty, inf1)
	snap.put(ProductProperty, inf2)
	snap.put(DeviceDetailsProperty, info)

	c.log.Debug("Finished collecting Class 1 statistics")

	return nil
}

// pollClass2 runs the Class 2 additions, refreshes the input catalog when
// due and probes the volume capabilities on the first cycle.
func (c *Client) pollClass2(ctx context.Context, snap *Snapshot) error {
	serial, err := c.queryValue(protocol.SerialQuery)
	if err != nil {
		return err
	}
	snap.put(SerialNumberProperty, serial)

	version, err := c.queryValue(protocol.SWVersionQuery)
	if err != nil {
		return err
	}
	snap.put(SWVersionProperty, version)

	filter, err := c.queryValue(protocol.FilterQuery)
	if err != nil {
		return err
	}
	snap.put(FilterUsageProperty, filter)

	filterModel, err := c.queryValue(protocol.FiltModelQuery)
	if err != nil {
		return err
	}
	snap.put(FilterModelProperty, filterModel)

	lampModel, err := c.queryValue(protocol.LampModelQuery)
	if err != nil {
		return err
	}
	snap.put(LampModelProperty, lampModel)

	if err := ctx.Err(); err != nil {
		return err
	}

	poweredOn := snap.Properties[PowerProperty] == "1"

	if err := c.populateInput(snap, poweredOn); err != nil {
		return err
	}

	if err := c.populateFreeze(snap, poweredOn); err != nil {
		return err
	}

	if err := c.populateVolumeControls(snap); err != nil {
		return err
	}

	recRes, err := c.queryValue(protocol.RecResQuery)
	if err != nil {
		return err
	}
	snap.put(RecResolutionProperty, recRes)

	inRes, err := c.queryValue(protocol.InputResQuery)
	if err != nil {
		return err
	}
	snap.put(InResolutionProperty, inRes)

	c.log.Debug("Finished collecting Class 2 statistics")

	return nil
}

// populateInput refreshes the input catalog when due, reads the current
// input and emits the dropdown control while the device is powered on.
func (c *Client) populateInput(snap *Snapshot, poweredOn bool) error {
	if err := c.refreshInputs(); err != nil {
		return err
	}

	code, err := c.queryValue(protocol.InputQuery)
	if err != nil {
		return err
	}

	if code == "" {
		return nil
	}

	name, known := c.inputs.nameOf(code)
	if !known {
		// An input the catalog has not seen; surface the raw code.
		name = code
	}

	snap.put(InputProperty, name)

	if poweredOn {
		snap.addDropdown(InputProperty, name, c.inputs.names())
	}

	return nil
}

func (c *Client) populateFreeze(snap *Snapshot, poweredOn bool) error {
	frozen, err := c.queryValue(protocol.FreezeQuery)
	if err != nil {
		return err
	}

	if frozen == "" {
		return nil
	}

	snap.put(FreezeProperty, frozen)

	if poweredOn {
		snap.addSwitch(FreezeProperty, frozen)
	}

	return nil
}

// populateVolumeControls emits the up/down button pairs for the volume
// channels the device supports. PJLink has no volume read query, so the
// first cycle probes each channel with an up command immediately cancelled
// by a down command; ERR1 on either marks the channel unsupported.
func (c *Client) populateVolumeControls(snap *Snapshot) error {
	if !c.probedVols {
		if err := c.probeVolume(protocol.SpeakerVolSet); err != nil {
			return err
		}

		if err := c.probeVolume(protocol.MicVolSet); err != nil {
			return err
		}

		c.probedVols = true
	}

	if !c.isUnsupported(protocol.SpeakerVolSet.Tag) {
		snap.addButton(SpeakerVolumeUp, "+")
		snap.addButton(SpeakerVolumeDown, "-")
	}

	if !c.isUnsupported(protocol.MicVolSet.Tag) {
		snap.addButton(MicrophoneVolumeUp, "+")
		snap.addButton(MicrophoneVolumeDown, "-")
	}

	return nil
}

// probeVolume issues one volume-up and one volume-down so the net effect
// cancels out, watching for ERR1 on either.
func (c *Client) probeVolume(cmd protocol.Command) error {
	for _, direction := range []byte{'1', '0'} {
		data := cmd.Clone()
		data[cmd.ParamOffsets[0]] = direction

		resp, err := c.sendWithRetry(data, cmd.Tag)
		if err != nil {
			return err
		}

		if derr := resp.ErrorOrNil(); derr != nil {
			if derr == protocol.ErrAuthFailed {
				return derr
			}

			if derr == protocol.ErrUnsupported {
				c.markUnsupported(cmd.Tag)
			}

			return nil
		}
	}

	return nil
}

// populateMetadata writes the three AdapterMetadata# entries from the
// metadata provider.
func (c *Client) populateMetadata(snap *Snapshot) {
	if c.metadata == nil {
		return
	}

	snap.put(AdapterVersionProperty, c.metadata.Get("adapter.version"))
	snap.put(AdapterBuildDateProperty, c.metadata.Get("adapter.build.date"))

	uptime := time.Since(c.metadata.StartedAt())
	snap.put(AdapterUptimeProperty, normalizeUptime(int64(uptime.Seconds())))
}

// normalizeUptime renders whole seconds as
// "N day(s) H hour(s) M minute(s) S second(s)".
func normalizeUptime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}

	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	return strconv.FormatInt(days, 10) + " day(s) " +
		strconv.FormatInt(hours, 10) + " hour(s) " +
		strconv.FormatInt(minutes, 10) + " minute(s) " +
		strconv.FormatInt(secs, 10) + " second(s)"
}
