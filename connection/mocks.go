package connection

import (
	"github.com/everstore/everstore-go/connection/wire"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	Client
	mock.Mock
}

func (m *MockClient) Receive(result wire.Result) {
	m.Called(result)
}

func (m *MockClient) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}
