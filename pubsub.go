package overlay

import (
	"context"

	"github.com/dep2p/go-overlay/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Message 收到的主题消息
type Message struct {
	ID    types.MessageID
	From  types.NodeID
	Seqno uint64
	Topic string
	Data  []byte
}

// Subscription 主题订阅
//
// 使用示例：
//
//	sub, _ := node.Subscribe("chat")
//	defer sub.Cancel()
//	for {
//	    msg, err := sub.Next(ctx)
//	    if err != nil {
//	        return
//	    }
//	    fmt.Printf("%s: %s\n", msg.From.ShortString(), msg.Data)
//	}
type Subscription struct {
	sub *gossipsub.Subscription
}

// Topic 返回订阅的主题
func (s *Subscription) Topic() string {
	return s.sub.Topic()
}

// Next 阻塞等待下一条消息，取消或节点关闭后返回 ErrSubscriptionCancelled
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	env, err := s.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:    env.ID(),
		From:  env.From,
		Seqno: env.Seqno,
		Topic: env.Topic,
		Data:  env.Data,
	}, nil
}

// Cancel 取消订阅
func (s *Subscription) Cancel() {
	s.sub.Cancel()
}
