package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dalemusser/uplinehub/internal/app/system/txn"
	"github.com/dalemusser/uplinehub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func TestIsNotSupported(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":                     {nil, false},
		"unrelated":               {errors.New("connection reset"), false},
		"illegal operation code":  {mongo.CommandError{Code: 20}, true},
		"no such transaction":     {mongo.CommandError{Code: 51}, true},
		"not allowed in txn code": {mongo.CommandError{Code: 263}, true},
		"other code":              {mongo.CommandError{Code: 100, Message: "bad value"}, false},
		"standalone message":      {errors.New("Transaction numbers are only allowed on a replica set member or mongos"), true},
		"one phrase only":         {errors.New("transaction aborted"), false},
		"wrapped":                 {errors.Join(errors.New("credit"), mongo.CommandError{Code: 20}), true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, txn.IsNotSupported(tc.err))
		})
	}
}

func TestIsConflict(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":            {nil, false},
		"plain text":     {errors.New("WriteConflict"), false},
		"write conflict": {mongo.CommandError{Code: 112, Name: "WriteConflict"}, true},
		"transient":      {mongo.CommandError{Code: 251, Labels: []string{"TransientTransactionError"}}, true},
		"unknown commit": {mongo.CommandError{Code: 50, Labels: []string{"UnknownTransactionCommitResult"}}, true},
		"duplicate key":  {mongo.CommandError{Code: 11000}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, txn.IsConflict(tc.err))
		})
	}
}

func TestRun_CommitsAndRollsBack(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.RequireTransactions(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	coll := db.Collection("txn_probe")
	_, err := coll.InsertOne(ctx, bson.M{"_id": "seed"})
	require.NoError(t, err)

	err = txn.Run(ctx, db, zap.NewNop(), func(ctx context.Context) error {
		_, err := coll.InsertOne(ctx, bson.M{"_id": "committed"})
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = txn.Run(ctx, db, zap.NewNop(), func(ctx context.Context) error {
		if _, err := coll.InsertOne(ctx, bson.M{"_id": "rolled-back"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := coll.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": bson.A{"committed", "rolled-back"}}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
