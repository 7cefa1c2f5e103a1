package realtime

import (
	"math"
	"strings"

	"muloom/server/internal/payload"
)

// TransportCommand 是解析后的 transport-command 负载。
type TransportCommand struct {
	Op          string
	ExpectedRev uint64
	PositionUS  *int64
	Rate        *float64
}

var (
	opAliases              = payload.Aliases{"op", "operation"}
	revAliases             = payload.Aliases{"expected_rev", "expectedRev", "rev"}
	positionUSAliases      = payload.Aliases{"position_us", "positionUs", "pos_us", "posUs"}
	positionSecondsAliases = payload.Aliases{"position_s", "positionSeconds", "position", "seconds"}
	rateAliases            = payload.Aliases{"rate", "value", "playRate", "speed"}
)

// ParseTransportCommand 校验并归一化命令负载，WebSocket 与 REST 共用。
// 位置优先取微秒字段；否则从秒换算并四舍六入到微秒。
func ParseTransportCommand(p map[string]any) (TransportCommand, *ProtocolError) {
	var cmd TransportCommand

	for _, key := range opAliases {
		if s, ok := p[key].(string); ok && strings.TrimSpace(s) != "" {
			cmd.Op = strings.TrimSpace(s)
			break
		}
	}
	if cmd.Op == "" {
		return cmd, protocolErrorf(CodeInvalidPayload, "transport-command requires payload.op")
	}

	rawRev, _, ok := revAliases.Present(p)
	if !ok || rawRev == nil {
		return cmd, protocolErrorf(CodeInvalidPayload, "transport-command requires payload.expected_rev")
	}
	rev, ok := payload.ToInt(rawRev)
	if !ok {
		return cmd, protocolErrorf(CodeInvalidPayload, "payload.expected_rev must be an integer")
	}
	if rev < 0 {
		return cmd, protocolErrorf(CodeInvalidPayload, "payload.expected_rev must be non-negative")
	}
	cmd.ExpectedRev = uint64(rev)

	if us, ok := positionUSAliases.Float(p); ok {
		pos := max(0, int64(math.Trunc(us)))
		cmd.PositionUS = &pos
	} else if seconds, ok := positionSecondsAliases.Float(p); ok {
		pos := max(0, int64(math.RoundToEven(seconds*1e6)))
		cmd.PositionUS = &pos
	}

	if rate, ok := rateAliases.Float(p); ok {
		cmd.Rate = &rate
	}
	return cmd, nil
}
