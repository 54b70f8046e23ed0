package gossipsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/pkg/types"
)

func TestRPC_MarshalUnmarshal(t *testing.T) {
	msg := &types.Envelope{
		From:      types.RandomNodeID(),
		Seqno:     42,
		Topic:     "chat",
		Data:      []byte("hello"),
		Signature: []byte("sig"),
		Key:       []byte("key"),
	}
	ids := []types.MessageID{msg.ID(), types.ComputeMessageID(msg.From, 43, nil)}

	rpc := &RPC{
		Subscriptions: []SubOpt{
			{Subscribe: true, Topic: "chat"},
			{Subscribe: false, Topic: "old"},
		},
		Messages: []*types.Envelope{msg},
		Control: &ControlMessage{
			IHave: []ControlIHave{{Topic: "chat", MessageIDs: ids}},
			IWant: []ControlIWant{{MessageIDs: ids[:1]}},
			Graft: []ControlGraft{{Topic: "chat"}},
			Prune: []ControlPrune{{Topic: "old", Backoff: 60}, {Topic: "older"}},
		},
	}

	decoded, err := UnmarshalRPC(rpc.Marshal())
	require.NoError(t, err)
	assert.Equal(t, rpc.Subscriptions, decoded.Subscriptions)
	require.Len(t, decoded.Messages, 1)
	assert.Equal(t, msg, decoded.Messages[0])
	assert.Equal(t, msg.ID(), decoded.Messages[0].ID())
	assert.Equal(t, rpc.Control, decoded.Control)
}

func TestRPC_Empty(t *testing.T) {
	rpc := &RPC{Control: &ControlMessage{}}
	assert.True(t, rpc.IsEmpty())
	assert.Empty(t, rpc.Marshal())

	decoded, err := UnmarshalRPC(nil)
	require.NoError(t, err)
	assert.True(t, decoded.IsEmpty())
}

func TestUnmarshalRPC_Malformed(t *testing.T) {
	envelope := func(fields ...[]byte) []byte {
		var inner []byte
		for _, f := range fields {
			inner = append(inner, f...)
		}
		b := protowire.AppendTag(nil, 2, protowire.BytesType)
		return protowire.AppendBytes(b, inner)
	}
	bytesField := func(num protowire.Number, v []byte) []byte {
		b := protowire.AppendTag(nil, num, protowire.BytesType)
		return protowire.AppendBytes(b, v)
	}
	from := types.RandomNodeID()

	iwantBadID := protowire.AppendTag(nil, 3, protowire.BytesType)
	iwantBadID = protowire.AppendBytes(iwantBadID,
		bytesField(2, bytesField(1, []byte("short"))))

	tests := []struct {
		name  string
		input []byte
	}{
		{"truncated tag", []byte{0xff}},
		{"truncated bytes", []byte{0x0a, 0x05, 0x01}},
		{"envelope missing sender", envelope(bytesField(3, []byte("chat")))},
		{"envelope missing topic", envelope(bytesField(1, from[:]))},
		{"envelope short sender", envelope(bytesField(1, []byte{1, 2}), bytesField(3, []byte("chat")))},
		{"subscription without topic", bytesField(1, nil)},
		{"iwant short id", iwantBadID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalRPC(tt.input)
			assert.ErrorIs(t, err, types.ErrMalformedMessage)
		})
	}
}

func TestUnmarshalRPC_SkipsUnknownFields(t *testing.T) {
	rpc := &RPC{Subscriptions: []SubOpt{{Subscribe: true, Topic: "x"}}}
	b := protowire.AppendTag(nil, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = append(b, rpc.Marshal()...)

	decoded, err := UnmarshalRPC(b)
	require.NoError(t, err)
	assert.Equal(t, rpc.Subscriptions, decoded.Subscriptions)
}
