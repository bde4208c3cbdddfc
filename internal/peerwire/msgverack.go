package peerwire

var _ Message = &MsgVerAck{}

// MsgVerAck acknowledges a version message. It carries no payload.
type MsgVerAck struct{}

func (m *MsgVerAck) Command() string { return "verack" }

func (m *MsgVerAck) Encode() ([]byte, error) { return []byte{}, nil }

func (m *MsgVerAck) Decode(b []byte) error { return nil }
