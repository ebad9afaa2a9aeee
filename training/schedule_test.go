package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chazu/aotcache/runtime"
)

func testMethods(t *testing.T, n int) []*runtime.Method {
	t.Helper()
	st := runtime.NewSymbolTable()
	holder := &runtime.Class{Name: st.Intern("app/Hot")}
	methods := make([]*runtime.Method, n)
	for i := range methods {
		methods[i] = &runtime.Method{
			Holder:    holder,
			Name:      st.Intern(fmt.Sprintf("m%02d", i)),
			Signature: st.Intern("()V"),
		}
	}
	return methods
}

func testSchedule(t *testing.T, n int) *Schedule {
	t.Helper()
	var records []*Record
	for _, m := range testMethods(t, n) {
		records = append(records, NewRecord(m, 1000, LevelOptimized))
	}
	return NewSchedule(records)
}

func TestClaimAtAtMostOnce(t *testing.T) {
	const workers = 16
	s := testSchedule(t, 64)

	var (
		wg    sync.WaitGroup
		wins  = make([]atomic.Int32, s.Len())
		total atomic.Int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < s.Len(); i++ {
				if s.ClaimAt(i) {
					wins[i].Add(1)
					total.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	for i := range wins {
		if got := wins[i].Load(); got != 1 {
			t.Errorf("entry %d claimed %d times, want 1", i, got)
		}
	}
	if int(total.Load()) != s.Len() {
		t.Errorf("total claims = %d, want %d", total.Load(), s.Len())
	}
}

func TestClaimNextDrains(t *testing.T) {
	const workers = 8
	s := testSchedule(t, 100)
	s.ClaimAt(3)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i, rec := s.ClaimNext()
				if rec == nil {
					return
				}
				mu.Lock()
				seen[i]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != s.Len()-1 {
		t.Errorf("ClaimNext handed out %d entries, want %d", len(seen), s.Len()-1)
	}
	if _, ok := seen[3]; ok {
		t.Errorf("pre-claimed entry 3 was handed out again")
	}
	for i, n := range seen {
		if n != 1 {
			t.Errorf("entry %d handed out %d times", i, n)
		}
	}
	if s.Claimed() != s.Len() {
		t.Errorf("Claimed = %d, want %d", s.Claimed(), s.Len())
	}
}

func TestClaimOutOfRange(t *testing.T) {
	s := testSchedule(t, 2)
	if s.ClaimAt(-1) || s.ClaimAt(2) {
		t.Fatalf("out-of-range claim succeeded")
	}
}

func TestBuildScheduleDeterministic(t *testing.T) {
	methods := testMethods(t, 5)
	p := NewProfiler(10)
	p.RecordInvocations(methods[0], 50)
	p.RecordInvocations(methods[1], 200)
	p.RecordInvocations(methods[2], 5)
	p.RecordInvocations(methods[3], 50)
	p.RecordLevel(methods[1], LevelOptimized)
	p.RecordLevel(methods[1], LevelBaseline)

	s := BuildSchedule(p)
	var got []string
	for i := 0; i < s.Len(); i++ {
		got = append(got, s.At(i).Method.Name.String())
	}
	want := []string{"m01", "m00", "m03"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("schedule order = %v, want %v", got, want)
	}
	if s.At(0).Level != LevelOptimized {
		t.Errorf("level = %d, want %d", s.At(0).Level, LevelOptimized)
	}
	if st := p.Stats(); st.HotMethods != 3 || st.Invocations != 305 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestDriverCompilesEachEntryOnce(t *testing.T) {
	s := testSchedule(t, 40)
	var (
		mu    sync.Mutex
		count = make(map[*runtime.Method]int)
	)
	boom := errors.New("boom")
	compiler := CompilerFunc(func(_ context.Context, m *runtime.Method, _ uint8) error {
		mu.Lock()
		defer mu.Unlock()
		count[m]++
		if m.Name.String() == "m07" {
			return boom
		}
		return nil
	})

	stats, err := NewDriver(s, compiler, 4).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want boom", err)
	}
	if stats.Compiled != 39 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	for m, n := range count {
		if n != 1 {
			t.Errorf("%s compiled %d times", m, n)
		}
	}
	if len(count) != s.Len() {
		t.Errorf("compiled %d methods, want %d", len(count), s.Len())
	}
}
