package gateway

import (
	"bufio"
	"context"
	"io"
	"math"
	"time"

	pool "github.com/jolestar/go-commons-pool"
	"github.com/pkg/errors"
)

// readerPool recycles the buffered readers handlers read request frames through.
type readerPool struct {
	objects *pool.ObjectPool
}

func newReaderPool(size int, bufferSize int) *readerPool {
	// Default config apart from the limits, which follow the number of handler slots.
	config := pool.ObjectPoolConfig{
		MaxTotal:                 size,
		MaxIdle:                  size,
		MinIdle:                  0,
		BlockWhenExhausted:       true,
		MinEvictableIdleTime:     30 * time.Minute,
		SoftMinEvictableIdleTime: math.MaxInt64,
		TimeBetweenEvictionRuns:  0,
		NumTestsPerEvictionRun:   3,
	}
	objects := pool.NewObjectPool(context.Background(), pool.NewPooledObjectFactorySimple(
		func(context.Context) (interface{}, error) {
			return bufio.NewReaderSize(nil, bufferSize), nil
		}), &config)
	return &readerPool{objects: objects}
}

func (p *readerPool) borrow(ctx context.Context, r io.Reader) (*bufio.Reader, error) {
	object, err := p.objects.BorrowObject(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	reader := object.(*bufio.Reader)
	reader.Reset(r)
	return reader, nil
}

func (p *readerPool) release(ctx context.Context, reader *bufio.Reader) error {
	reader.Reset(nil)
	return errors.WithStack(p.objects.ReturnObject(ctx, reader))
}
