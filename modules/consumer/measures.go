package consumer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/pkg/analytics"
)

// Transaction types carried in the pub/sub envelope.
const (
	TransactionInsert = "insert"
	TransactionDelete = "delete"
)

// maxFloatRetries bounds the optimistic-transaction retry loop of the float
// measures under write contention on a single key.
const maxFloatRetries = 20

// UnknownTransactionTypeError reports an envelope tr_type outside
// {insert, delete}.
type UnknownTransactionTypeError struct {
	Type string
}

func (e *UnknownTransactionTypeError) Error() string {
	return fmt.Sprintf("unknown transaction type '%s'", e.Type)
}

// applyMeasure performs the store update of a single measure for one
// transaction. Integer measures ride the store's native atomic increments;
// float measures use an optimistic transaction on their one key.
func applyMeasure(ctx context.Context, rdb *redis.Client, typ analytics.MeasureType, trType, key string, fieldVal interface{}) error {
	switch typ {
	case analytics.MeasureCount:
		return applyScore(ctx, rdb, trType, key, 1)

	case analytics.MeasureScore:
		amount, err := intValue(fieldVal)
		if err != nil {
			return err
		}
		return applyScore(ctx, rdb, trType, key, amount)

	case analytics.MeasureHeat:
		// heat is monotone: deletes are activity too
		if err := checkTransactionType(trType); err != nil {
			return err
		}
		return applyScore(ctx, rdb, TransactionInsert, key, 1)

	case analytics.MeasureUnique:
		if err := checkTransactionType(trType); err != nil {
			return err
		}
		// no defined inverse; deletes are a no-op
		if trType == TransactionDelete {
			return nil
		}
		return rdb.SAdd(ctx, key, analytics.ValueString(fieldVal)).Err()

	case analytics.MeasureCountFloat:
		return applyScoreFloat(ctx, rdb, trType, key, 1.0)

	case analytics.MeasureScoreFloat:
		amount, err := floatValue(fieldVal)
		if err != nil {
			return err
		}
		return applyScoreFloat(ctx, rdb, trType, key, amount)

	case analytics.MeasureHeatFloat:
		if err := checkTransactionType(trType); err != nil {
			return err
		}
		return applyScoreFloat(ctx, rdb, TransactionInsert, key, 1.0)
	}

	return errors.Errorf("unknown measure type '%s'", typ)
}

func checkTransactionType(trType string) error {
	if trType != TransactionInsert && trType != TransactionDelete {
		return &UnknownTransactionTypeError{Type: trType}
	}
	return nil
}

func applyScore(ctx context.Context, rdb *redis.Client, trType, key string, amount int64) error {
	switch trType {
	case TransactionInsert:
		return rdb.IncrBy(ctx, key, amount).Err()
	case TransactionDelete:
		return rdb.DecrBy(ctx, key, amount).Err()
	}
	return &UnknownTransactionTypeError{Type: trType}
}

func applyScoreFloat(ctx context.Context, rdb *redis.Client, trType, key string, amount float64) error {
	switch trType {
	case TransactionInsert:
		return incrByFloat(ctx, rdb, key, amount)
	case TransactionDelete:
		return incrByFloat(ctx, rdb, key, -amount)
	}
	return &UnknownTransactionTypeError{Type: trType}
}

// incrByFloat adds delta to the float value stored at key using WATCH and a
// MULTI/EXEC pipeline, retrying when another writer races the key.
func incrByFloat(ctx context.Context, rdb *redis.Client, key string, delta float64) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Float64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		next := strconv.FormatFloat(current+delta, 'f', -1, 64)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxFloatRetries; i++ {
		err := rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.Errorf("float update on key '%s' exhausted %d retries", key, maxFloatRetries)
}

func intValue(val interface{}) (int64, error) {
	s := strings.TrimSpace(analytics.ValueString(val))
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Errorf("measure field value '%s' is not an integer", s)
	}
	return i, nil
}

func floatValue(val interface{}) (float64, error) {
	s := strings.TrimSpace(analytics.ValueString(val))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("measure field value '%s' is not a number", s)
	}
	return f, nil
}
