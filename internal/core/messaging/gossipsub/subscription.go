package gossipsub

import (
	"context"
	"errors"
	"sync"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ErrSubscriptionCancelled 订阅已取消或路由器已停止
var ErrSubscriptionCancelled = errors.New("subscription cancelled")

// Subscription 本地主题订阅
//
// 投递缓冲有界，订阅者处理过慢时新消息被丢弃。
type Subscription struct {
	topic string
	ch    chan *types.Envelope

	unsubscribe func(*Subscription)
	cancelOnce  sync.Once
	closeOnce   sync.Once
}

func newSubscription(topic string, buffer int, unsubscribe func(*Subscription)) *Subscription {
	return &Subscription{
		topic:       topic,
		ch:          make(chan *types.Envelope, buffer),
		unsubscribe: unsubscribe,
	}
}

// Topic 返回订阅的主题
func (s *Subscription) Topic() string {
	return s.topic
}

// Messages 返回投递通道，取消后关闭
func (s *Subscription) Messages() <-chan *types.Envelope {
	return s.ch
}

// Next 阻塞等待下一条消息
func (s *Subscription) Next(ctx context.Context) (*types.Envelope, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrSubscriptionCancelled
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel 取消订阅；主题的最后一个订阅取消时离开主题
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.unsubscribe(s)
	})
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
