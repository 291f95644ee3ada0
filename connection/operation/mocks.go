package operation

import (
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/wire"
	"github.com/stretchr/testify/mock"
)

type MockOperation struct {
	Operation
	mock.Mock
}

func (m *MockOperation) Id() wire.CorrelationId {
	args := m.Called()
	return args.Get(0).(wire.CorrelationId)
}

func (m *MockOperation) Client() connection.Client {
	args := m.Called()
	return args.Get(0).(connection.Client)
}

func (m *MockOperation) InspectIn(result wire.Result) (Operation, bool) {
	args := m.Called(result)
	return toOperation(args.Get(0)), args.Bool(1)
}

func (m *MockOperation) ClaimsOutgoing(msg wire.Message) bool {
	args := m.Called(msg)
	return args.Bool(0)
}

func (m *MockOperation) ApplyOutgoing(msg wire.Message) (Operation, bool) {
	args := m.Called(msg)
	return toOperation(args.Get(0)), args.Bool(1)
}

func (m *MockOperation) Connected(send Sender) (Operation, bool) {
	args := m.Called(send)
	return toOperation(args.Get(0)), args.Bool(1)
}

func (m *MockOperation) ConnectionLost() (Operation, bool) {
	args := m.Called()
	return toOperation(args.Get(0)), args.Bool(1)
}

func (m *MockOperation) ClientTerminated() *wire.PackageOut {
	args := m.Called()
	if pkg := args.Get(0); pkg != nil {
		return pkg.(*wire.PackageOut)
	}
	return nil
}

func toOperation(v interface{}) Operation {
	if v == nil {
		return nil
	}
	return v.(Operation)
}
