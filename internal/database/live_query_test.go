package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/stretchr/testify/suite"
	"github.com/surrealdb/surrealdb.go"
)

type LiveQueryTestSuite struct {
	suite.Suite
	conn    *Connection
	service *LiveQueries
}

type liveEvent struct {
	action LiveQueryAction
	data   any
}

func (suite *LiveQueryTestSuite) SetupSuite() {
	if testing.Short() {
		suite.T().Skip("skipping integration test in short mode")
	}
	if os.Getenv("SURREAL_URL") == "" {
		suite.T().Skip("SURREAL_URL not set")
	}

	cfg, err := config.FromEnv(os.Getenv)
	suite.Require().NoError(err)

	suite.conn = NewConnection(cfg)
	suite.Require().NoError(suite.conn.Connect(context.Background()))
	suite.service = NewLiveQueries(suite.conn)
}

func (suite *LiveQueryTestSuite) TearDownSuite() {
	if suite.conn == nil {
		return
	}
	ctx := context.Background()
	_ = suite.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, "DELETE livetest", nil)
	})
	_ = suite.conn.Close(ctx)
}

func TestLiveQueries(t *testing.T) {
	suite.Run(t, new(LiveQueryTestSuite))
}

func (suite *LiveQueryTestSuite) exec(ctx context.Context, q string, params map[string]any) {
	err := suite.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, q, params)
	})
	suite.Require().NoError(err)
}

func (suite *LiveQueryTestSuite) TestDeliversChangesInOrder() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events := make(chan liveEvent, 10)
	sub, err := suite.service.Subscribe(ctx, "livetest", &LiveQueryFilter{
		Where:  "room = $room",
		Params: map[string]any{"room": "a"},
	}, func(ctx context.Context, action LiveQueryAction, data any) {
		events <- liveEvent{action, data}
	}, nil)
	suite.Require().NoError(err)
	defer sub.Unsubscribe()

	suite.exec(ctx, "CREATE livetest:one SET room = 'a', n = 1", nil)
	suite.exec(ctx, "CREATE livetest:other SET room = 'b', n = 1", nil)
	suite.exec(ctx, "UPDATE livetest:one SET n = 2", nil)
	suite.exec(ctx, "DELETE livetest:one", nil)

	for _, want := range []LiveQueryAction{ActionCreate, ActionUpdate, ActionDelete} {
		select {
		case ev := <-events:
			suite.Equal(want, ev.action)
		case <-time.After(5 * time.Second):
			suite.FailNow("timeout waiting for notification", "want %s", want)
		}
	}
}

func (suite *LiveQueryTestSuite) TestUnsubscribeStopsDelivery() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events := make(chan liveEvent, 10)
	sub, err := suite.service.Subscribe(ctx, "livetest", nil, func(ctx context.Context, action LiveQueryAction, data any) {
		events <- liveEvent{action, data}
	}, nil)
	suite.Require().NoError(err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	time.Sleep(200 * time.Millisecond)

	suite.exec(ctx, "CREATE livetest:late SET room = 'c'", nil)

	select {
	case ev := <-events:
		suite.Failf("unexpected notification", "%v", ev.action)
	case <-time.After(time.Second):
	}
}
