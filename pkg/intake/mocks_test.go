package intake

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, r *offramp.Request) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockStore) GetByRequestID(ctx context.Context, requestID string) (*offramp.Request, error) {
	args := m.Called(ctx, requestID)
	r, _ := args.Get(0).(*offramp.Request)
	return r, args.Error(1)
}

func (m *mockStore) GetByDepositAddress(ctx context.Context, address string) (*offramp.Request, error) {
	args := m.Called(ctx, address)
	r, _ := args.Get(0).(*offramp.Request)
	return r, args.Error(1)
}

func (m *mockStore) GetActiveByUser(ctx context.Context, userIdentifier string) (*offramp.Request, error) {
	args := m.Called(ctx, userIdentifier)
	r, _ := args.Get(0).(*offramp.Request)
	return r, args.Error(1)
}

func (m *mockStore) AdminReset(ctx context.Context, reset offramp.AdminReset) (*offramp.Request, error) {
	args := m.Called(ctx, reset)
	r, _ := args.Get(0).(*offramp.Request)
	return r, args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, requestID, actor, reason string) error {
	return m.Called(ctx, requestID, actor, reason).Error(0)
}

func (m *mockStore) ListEvents(ctx context.Context, requestID string) ([]*offramp.Event, error) {
	args := m.Called(ctx, requestID)
	events, _ := args.Get(0).([]*offramp.Event)
	return events, args.Error(1)
}

type mockService struct {
	mock.Mock
}

func (m *mockService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*CreateResponse)
	return r, args.Error(1)
}

func (m *mockService) Get(ctx context.Context, requestID string) (*RequestView, error) {
	args := m.Called(ctx, requestID)
	r, _ := args.Get(0).(*RequestView)
	return r, args.Error(1)
}

func (m *mockService) GetByDepositAddress(ctx context.Context, address string) (*RequestView, error) {
	args := m.Called(ctx, address)
	r, _ := args.Get(0).(*RequestView)
	return r, args.Error(1)
}

func (m *mockService) Events(ctx context.Context, requestID string) ([]EventView, error) {
	args := m.Called(ctx, requestID)
	r, _ := args.Get(0).([]EventView)
	return r, args.Error(1)
}

func (m *mockService) Reset(ctx context.Context, requestID string, req *ResetRequest) (*RequestView, error) {
	args := m.Called(ctx, requestID, req)
	r, _ := args.Get(0).(*RequestView)
	return r, args.Error(1)
}

func (m *mockService) Delete(ctx context.Context, requestID string, req *DeleteRequest) error {
	return m.Called(ctx, requestID, req).Error(0)
}

type headFunc func(ctx context.Context) (uint64, error)

func (f headFunc) ConfirmedHead(ctx context.Context) (uint64, error) { return f(ctx) }
