package tcp

import "log/slog"

var _ slog.LogValuer = Segment{}

// LogValue implements [slog.LogValuer] so segments can be passed
// directly as attribute values without formatting a string.
func (seg Segment) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("seq", uint64(seg.SEQ)),
		slog.Uint64("ack", uint64(seg.ACK)),
		slog.Uint64("wnd", uint64(seg.WND)),
		slog.Uint64("data", uint64(seg.DATALEN)),
		slog.String("flags", seg.Flags.String()),
	)
}

// LogValue implements [slog.LogValuer].
func (a Actions) LogValue() slog.Value {
	return slog.StringValue(a.String())
}
