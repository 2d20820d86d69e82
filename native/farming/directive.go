package farming

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is the verb of an inbound transfer directive.
type Action string

const (
	ActionStake     Action = "STAKE"
	ActionAddReward Action = "ADD_REWARD"
)

// Directive is a parsed inbound transfer message of the form ACTION:FARM_ID.
type Directive struct {
	Action Action
	FarmID uint64
}

// ParseDirective decodes msg. The boolean is false when the message does not
// name a known action, in which case the transfer should be refunded. An
// error is returned when the action is known but the farm id is malformed.
func ParseDirective(msg string) (Directive, bool, error) {
	parts := strings.Split(msg, ":")
	if len(parts) < 2 {
		return Directive{}, false, nil
	}
	action := Action(parts[0])
	switch action {
	case ActionStake, ActionAddReward:
	default:
		return Directive{}, false, nil
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Directive{}, true, fmt.Errorf("%w: invalid farm id %q", ErrInvalidDirective, parts[1])
	}
	return Directive{Action: action, FarmID: id}, true, nil
}

func (d Directive) String() string {
	return string(d.Action) + ":" + strconv.FormatUint(d.FarmID, 10)
}
