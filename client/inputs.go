package client

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luma/pjlink/protocol"
)

// inputCatalog is the bidirectional mapping between human-readable input
// names and their two-character PJLink codes, kept in device order. It is
// rebuilt wholesale and swapped in; readers only ever observe a complete
// catalog.
type inputCatalog struct {
	ordered    []string
	codeByName map[string]string
	nameByCode map[string]string
}

func emptyInputCatalog() *inputCatalog {
	return &inputCatalog{
		codeByName: make(map[string]string),
		nameByCode: make(map[string]string),
	}
}

func (ic *inputCatalog) add(name, code string) {
	if _, dup := ic.codeByName[name]; !dup {
		ic.ordered = append(ic.ordered, name)
	}

	ic.codeByName[name] = code
	ic.nameByCode[code] = name
}

func (ic *inputCatalog) codeOf(name string) (string, bool) {
	code, found := ic.codeByName[name]
	return code, found
}

func (ic *inputCatalog) nameOf(code string) (string, bool) {
	name, found := ic.nameByCode[code]
	return name, found
}

func (ic *inputCatalog) names() []string {
	out := make([]string, len(ic.ordered))
	copy(out, ic.ordered)
	return out
}

func (ic *inputCatalog) empty() bool {
	return len(ic.ordered) == 0
}

// refreshInputs rebuilds the input catalog when it is empty or stale.
// INST? yields the switchable input codes; each code is then resolved to
// its display name with INNM?. The new catalog replaces the old one only
// once fully built. Callers hold c.mu.
func (c *Client) refreshInputs() error {
	if !c.inputs.empty() && time.Since(c.inputsRefreshedAt) < c.inputRefresh {
		return nil
	}

	instValue, err := c.queryValue(protocol.InputListC2)
	if err != nil {
		return err
	}

	if instValue == "" {
		c.log.Debug("INST returned no data, keeping the current input catalog")
		return nil
	}

	rebuilt := emptyInputCatalog()

	for _, code := range strings.Fields(instValue) {
		if len(code) != 2 {
			c.log.Warn("Skipping malformed input code", zap.String("code", code))
			continue
		}

		data := protocol.InputNameQuery.Clone()
		data[protocol.InputNameQuery.ParamOffsets[0]] = code[0]
		data[protocol.InputNameQuery.ParamOffsets[1]] = code[1]

		resp, err := c.sendWithRetry(data, protocol.InputNameQuery.Tag)
		if err != nil {
			return err
		}

		if derr := resp.ErrorOrNil(); derr != nil {
			if derr == protocol.ErrAuthFailed {
				return derr
			}

			// A single unnamed terminal should not poison the catalog.
			c.log.Warn("Device rejected input name lookup",
				zap.String("code", code),
				zap.Error(derr))
			continue
		}

		if resp.Value == "" || resp.Value == protocol.NotAvailable {
			continue
		}

		rebuilt.add(resp.Value, code)
	}

	c.inputs = rebuilt
	c.inputsRefreshedAt = time.Now()

	return nil
}
