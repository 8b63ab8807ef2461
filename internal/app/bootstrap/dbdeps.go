// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"github.com/dalemusser/uplinehub/internal/app/system/events"
	"go.mongodb.org/mongo-driver/mongo"
)

// DBDeps holds database/back-end dependencies for the app.
//
// WAFFLE passes DBDeps by value to every hook, so the services built in
// Startup live behind the services pointer allocated in ConnectDB.
type DBDeps struct {
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database
	Broker        *events.Connection // nil when tasks run in-process

	services *services
}
