package subscriber

import "github.com/stretchr/testify/mock"

// MatchSubscriber creates a custom matcher for subscriber arguments in mocks
func MatchSubscriber(matcher func(Subscriber) bool) interface{} {
	return mock.MatchedBy(matcher)
}
