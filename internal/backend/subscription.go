package backend

import "sync"

// SubscriptionFunc adapts a release function to Subscription. The function
// runs at most once.
func SubscriptionFunc(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (s *funcSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}
