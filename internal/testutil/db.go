package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnvMongoURI names the environment variable that points tests at a MongoDB
// deployment. Tests that need a database are skipped when it is unset.
const EnvMongoURI = "UPLINEHUB_TEST_MONGO_URI"

var (
	clientOnce sync.Once
	client     *mongo.Client
	clientErr  error
)

func sharedClient() (*mongo.Client, error) {
	clientOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, clientErr = mongo.Connect(ctx, options.Client().ApplyURI(os.Getenv(EnvMongoURI)))
		if clientErr == nil {
			clientErr = client.Ping(ctx, nil)
		}
	})
	return client, clientErr
}

// SetupTestDB returns a fresh, uniquely named database that is dropped when
// the test finishes.
func SetupTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	if os.Getenv(EnvMongoURI) == "" {
		t.Skipf("%s not set; skipping MongoDB test", EnvMongoURI)
	}
	c, err := sharedClient()
	if err != nil {
		t.Skipf("MongoDB unavailable: %v", err)
	}

	db := c.Database(fmt.Sprintf("uplinehub_test_%s", primitive.NewObjectID().Hex()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
	})
	return db
}

// RequireTransactions skips the test unless db is served by a replica set or
// mongos, which commission crediting needs.
func RequireTransactions(t *testing.T, db *mongo.Database) {
	t.Helper()
	ctx, cancel := TestContext()
	defer cancel()

	var hello bson.M
	if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		t.Skipf("hello failed: %v", err)
	}
	if _, ok := hello["setName"]; ok {
		return
	}
	if msg, _ := hello["msg"].(string); msg == "isdbgrid" {
		return
	}
	t.Skip("MongoDB deployment does not support transactions")
}

// TestContext returns a context with a timeout suitable for database tests.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
