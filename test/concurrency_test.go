package test

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nanohost/pkg/domain"
	"nanohost/svc/store"
)

func TestConcurrentAuthorize(t *testing.T) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	defer sqlDB.Close()
	mem := store.NewMemory(c.HostingDomain)
	hosting := createTestHosting(t, c, sqlDB, mem)
	defer hosting.Shutdown()

	ctx := context.Background()
	var wg sync.WaitGroup
	successCount := int64(0)
	errorCount := int64(0)
	refs := sync.Map{}

	numGoroutines := 100
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			quote, err := hosting.Authorize(ctx, 1000, 60)
			if err != nil {
				atomic.AddInt64(&errorCount, 1)
				return
			}
			atomic.AddInt64(&successCount, 1)
			if _, dup := refs.LoadOrStore(quote.ReferenceNumber, true); dup {
				t.Errorf("duplicate reference number issued: %s", quote.ReferenceNumber)
			}
		}()
	}

	wg.Wait()
	t.Logf("Concurrent quoting: %d success, %d errors out of %d",
		successCount, errorCount, numGoroutines)

	if errorCount > 0 {
		t.Errorf("%d errors during concurrent quoting", errorCount)
	}
}

func TestConcurrentUploadSameReference(t *testing.T) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	defer sqlDB.Close()
	mem := store.NewMemory(c.HostingDomain)
	hosting := createTestHosting(t, c, sqlDB, mem)
	defer hosting.Shutdown()

	ctx := context.Background()
	content := []byte("claimed exactly once")

	quote, err := hosting.Authorize(ctx, int64(len(content)), 60)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	successCount := int64(0)
	badRefCount := int64(0)
	otherCount := int64(0)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := hosting.ReceiveUpload(ctx, quote.ReferenceNumber, "aabb", bytes.NewReader(content))
			switch {
			case err == nil:
				atomic.AddInt64(&successCount, 1)
			case err == domain.ErrBadReference:
				atomic.AddInt64(&badRefCount, 1)
			default:
				atomic.AddInt64(&otherCount, 1)
				t.Logf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	t.Logf("Same-reference uploads: %d success, %d bad reference, %d other",
		successCount, badRefCount, otherCount)

	if successCount != 1 {
		t.Errorf("successful uploads = %d, want exactly 1", successCount)
	}
	if otherCount != 0 {
		t.Errorf("unexpected error class on %d uploads", otherCount)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	defer sqlDB.Close()
	mem := store.NewMemory(c.HostingDomain)
	hosting := createTestHosting(t, c, sqlDB, mem)
	defer hosting.Shutdown()

	ctx := context.Background()
	content := []byte("initial object")

	quote, err := hosting.Authorize(ctx, int64(len(content)), 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hosting.ReceiveUpload(ctx, quote.ReferenceNumber, "aabb", bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	objectIdentifier := quote.PublicURL[strings.LastIndexByte(quote.PublicURL, '/')+1:]

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopChan:
					return
				default:
					hosting.RetrievalURL(ctx, objectIdentifier)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopChan:
					return
				default:
					hosting.Authorize(ctx, 1000, 60)
				}
			}
		}()
	}

	time.Sleep(2 * time.Second)
	close(stopChan)
	wg.Wait()

	t.Log("Concurrent read/write test completed without deadlock")
}

func TestGoroutineLeak(t *testing.T) {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	mem := store.NewMemory(c.HostingDomain)
	hosting := createTestHosting(t, c, sqlDB, mem)

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		hosting.Authorize(ctx, 1000, 60)
	}

	hosting.Shutdown()
	sqlDB.Close()

	runtime.GC()
	time.Sleep(500 * time.Millisecond)

	final := runtime.NumGoroutine()
	growth := final - baseline

	t.Logf("Goroutine count: baseline=%d, final=%d, growth=%d", baseline, final, growth)

	if growth > 10 {
		t.Errorf("Possible goroutine leak: %d goroutines not cleaned up", growth)
	}
}

func TestDeadlockAvoidance(t *testing.T) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	defer sqlDB.Close()
	mem := store.NewMemory(c.HostingDomain)
	hosting := createTestHosting(t, c, sqlDB, mem)
	defer hosting.Shutdown()

	ctx := context.Background()
	content := []byte("deadlock probe")

	var refs []string
	var objects []string
	for i := 0; i < 10; i++ {
		quote, err := hosting.Authorize(ctx, int64(len(content)), 60)
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, quote.ReferenceNumber)
		objects = append(objects, quote.PublicURL[strings.LastIndexByte(quote.PublicURL, '/')+1:])
	}

	var wg sync.WaitGroup
	timeout := time.After(30 * time.Second)
	done := make(chan bool)

	for i := range refs {
		for j := 0; j < 10; j++ {
			wg.Add(3)
			go func(ref string) {
				defer wg.Done()
				hosting.ReceiveUpload(ctx, ref, "aabb", bytes.NewReader(content))
			}(refs[i])
			go func(obj string) {
				defer wg.Done()
				hosting.RetrievalURL(ctx, obj)
			}(objects[i])
			go func() {
				defer wg.Done()
				hosting.Authorize(ctx, 1000, 60)
			}()
		}
	}

	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-timeout:
		t.Fatal("Deadlock detected - operations didn't complete in 30s")
	case <-done:
		t.Log("No deadlock detected with mixed concurrent operations")
	}
}
