package sbdb_test

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilgaboury/sbdb"
)

// Two clients repeatedly run transactions over the same two entries,
// declaring them in opposite orders. The coordinator sorts the declared
// set into the single global order, so no interleaving can deadlock and
// every increment must survive.
func Test_Conflicting_Transactions_Never_Deadlock(t *testing.T) {
	t.Parallel()

	const iterations = 250

	root := t.TempDir()

	seeder, err := sbdb.Open(root, sbdb.Options{})
	require.NoError(t, err)

	seedFile(t, seeder, "a", "0")
	seedFile(t, seeder, "b", "0")

	declarations := [][]string{
		{"a", "b"},
		{"b", "a"},
	}

	errCh := make(chan error, len(declarations))

	var wg sync.WaitGroup

	for _, order := range declarations {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errCh <- runIncrementLoop(root, order, iterations)
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	assertEntryContents(t, seeder, "a", strconv.Itoa(2*iterations))
	assertEntryContents(t, seeder, "b", strconv.Itoa(2*iterations))
}

func runIncrementLoop(root string, order []string, iterations int) error {
	db, err := sbdb.Open(root, sbdb.Options{})
	if err != nil {
		return err
	}

	for range iterations {
		err := incrementBoth(db, order)
		if err != nil {
			return err
		}
	}

	return nil
}

func incrementBoth(db *sbdb.Client, order []string) error {
	builder := db.Tx()
	for _, rel := range order {
		builder = builder.Write(rel)
	}

	tx, err := builder.Begin()
	if err != nil {
		return err
	}
	defer tx.Close()

	for _, rel := range order {
		path, err := tx.Path(rel)
		if err != nil {
			return err
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		n, err := strconv.Atoi(string(raw))
		if err != nil {
			return err
		}

		cp, err := tx.FileCp(rel)
		if err != nil {
			return err
		}

		err = os.WriteFile(cp.Path(), []byte(strconv.Itoa(n+1)), 0o644)
		if err != nil {
			return err
		}

		err = cp.Commit()
		if err != nil {
			return err
		}
	}

	return tx.Close()
}

// Mixed readers and writers on one entry: at no point may a writer
// observe another writer or any reader inside the critical section.
func Test_Readers_And_Writers_Are_Mutually_Excluded(t *testing.T) {
	t.Parallel()

	const (
		workers = 24
		ops     = 12
	)

	db := openTestDB(t, sbdb.Options{})

	var (
		readers atomic.Int64
		writers atomic.Int64
	)

	errCh := make(chan error, workers)

	var wg sync.WaitGroup

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(i)))

			for range ops {
				var err error
				if rng.Intn(2) == 0 {
					err = readOnce(db, &readers, &writers)
				} else {
					err = writeOnce(db, &readers, &writers)
				}

				if err != nil {
					errCh <- err

					return
				}
			}

			errCh <- nil
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}
}

func readOnce(db *sbdb.Client, readers, writers *atomic.Int64) error {
	guard, err := db.ReadFile("k")
	if err != nil {
		return err
	}
	defer guard.Close()

	readers.Add(1)
	defer readers.Add(-1)

	if w := writers.Load(); w > 0 {
		return fmt.Errorf("reader observed %d writers", w)
	}

	time.Sleep(time.Millisecond)

	return nil
}

func writeOnce(db *sbdb.Client, readers, writers *atomic.Int64) error {
	guard, err := db.WriteFile("k")
	if err != nil {
		return err
	}
	defer guard.Close()

	if w := writers.Add(1); w > 1 {
		return fmt.Errorf("%d concurrent writers", w)
	}
	defer writers.Add(-1)

	if r := readers.Load(); r > 0 {
		return fmt.Errorf("writer observed %d readers", r)
	}

	time.Sleep(time.Millisecond)

	return nil
}

// The queue handshake keeps a continuous stream of readers from
// starving a writer: once the writer enters the queue, later readers
// line up behind it.
func Test_Writer_Is_Not_Starved_By_Reader_Stream(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	readerDB, err := sbdb.Open(root, sbdb.Options{})
	require.NoError(t, err)

	writerDB, err := sbdb.Open(root, sbdb.Options{})
	require.NoError(t, err)

	stop := make(chan struct{})
	readerErr := make(chan error, 1)

	go func() {
		for {
			select {
			case <-stop:
				readerErr <- nil

				return
			default:
			}

			guard, err := readerDB.ReadFile("k")
			if err != nil {
				readerErr <- err

				return
			}

			time.Sleep(2 * time.Millisecond)

			_ = guard.Close()
		}
	}()

	// Let the reader stream establish itself.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()

	guard, err := writerDB.WriteFile("k")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NoError(t, guard.Close())

	close(stop)
	require.NoError(t, <-readerErr)

	// Bounded by a handful of reader critical sections, not by the
	// length of the reader stream. Generous to absorb scheduler noise.
	require.Less(t, elapsed, 2*time.Second)
}
