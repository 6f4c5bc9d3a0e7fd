package scenario

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hartex-rtos/hartex/config"
	"github.com/hartex-rtos/hartex/kernel"
	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
)

func run(t *testing.T, s *Scenario, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx, d); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestSharedList(t *testing.T) {
	var out bytes.Buffer
	events := logging.NewEventLog(logging.DefaultEventCapacity)
	m := new(metrics.Set)
	s, err := Load("testdata/shared_list.yaml", Options{Out: &out, Events: events, Metrics: m})
	if err != nil {
		t.Fatalf("Load returned %v", err)
	}
	run(t, s, 0)

	if !s.Finished() {
		t.Error("scenario did not finish")
	}
	if got, _ := s.Resource("list"); !reflect.DeepEqual(got, []int64{2, 1}) {
		t.Errorf("list is %v, want [2 1]", got)
	}
	want := "" +
		"[     0] producer2: TASK 2: Enter\n" +
		"[     0] producer2: list = [2]\n" +
		"[     0] producer2: TASK 2: End\n" +
		"[     0] producer1: TASK 1: Enter\n" +
		"[     0] producer1: list = [2 1]\n" +
		"[     0] producer1: TASK 1: End\n"
	if got := out.String(); got != want {
		t.Errorf("output:\n%s\nwant:\n%s", got, want)
	}

	var locks, exits int
	for _, e := range events.Drain() {
		switch e.Kind {
		case logging.ResourceLock:
			locks++
		case logging.TaskExit:
			exits++
		case logging.TimerEvent:
			t.Errorf("timer event logged although it is not enabled: %v", e)
		}
	}
	if locks != 4 || exits < 1 {
		t.Errorf("logged %d locks and %d exits, want 4 and at least 1", locks, exits)
	}
	if n := m.Get(metrics.LocksDenied); n != 0 {
		t.Errorf("%d locks denied, want 0", n)
	}
	if names := s.ResourceNames(); !reflect.DeepEqual(names, []string{"list"}) {
		t.Errorf("ResourceNames returned %v", names)
	}
	if name := s.TaskName(kernel.IdleTaskID); name != "idle" {
		t.Errorf("TaskName(0) returned %q", name)
	}
}

func TestPeriodicRelease(t *testing.T) {
	var out bytes.Buffer
	s, err := Load("testdata/periodic.yaml", Options{Out: &out})
	if err != nil {
		t.Fatalf("Load returned %v", err)
	}
	run(t, s, 0)

	if got, _ := s.Resource("samples"); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Errorf("samples are %v, want [1 2 3]", got)
	}
	if !strings.Contains(out.String(), "background: samples = [1 2 3]") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if now := s.Kernel.Now(); now < 12 {
		t.Errorf("kernel stopped at tick %d, before the background task finished spinning", now)
	}
}

func TestRunDuration(t *testing.T) {
	f, err := config.Parse([]byte(`
kernel:
  tick: 1ms
resources:
  - name: count
tasks:
  - id: 1
    release: true
    script:
      - acquire count push 1
      - yield
      - loop
`))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Build(f, Options{})
	if err != nil {
		t.Fatalf("Build returned %v", err)
	}
	run(t, s, 20*time.Millisecond)
	if s.Finished() {
		t.Error("looping scenario reported finished")
	}
	if got, _ := s.Resource("count"); len(got) == 0 {
		t.Error("looping task never ran")
	}
}

func TestUnauthorizedStep(t *testing.T) {
	f, err := config.Parse([]byte(`
kernel:
  tick: "0"
  idle: halt
resources:
  - name: private
    tasks: [2]
tasks:
  - id: 1
    release: true
    script:
      - acquire private push 1
`))
	if err != nil {
		t.Fatal(err)
	}
	m := new(metrics.Set)
	s, err := Build(f, Options{Metrics: m})
	if err != nil {
		t.Fatalf("Build returned %v", err)
	}
	run(t, s, 0)
	if got, _ := s.Resource("private"); len(got) != 0 {
		t.Errorf("unauthorized task changed the resource to %v", got)
	}
	if n := m.Get(metrics.AcquireDenied); n != 1 {
		t.Errorf("%d acquisitions denied, want 1", n)
	}
}

func TestScriptErrors(t *testing.T) {
	f, err := config.Parse([]byte(`
resources:
  - name: list
tasks:
  - id: 1
    script:
      - acquire queue push 1
      - acquire list push one
      - jump 3
  - id: 2
    script:
      - loop
      - yield
      - release 40
      - log "unterminated
`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Build(f, Options{})
	var errs config.Errors
	if !errors.As(err, &errs) {
		t.Fatalf("Build returned %v, want config.Errors", err)
	}
	var paths []string
	for _, e := range errs {
		paths = append(paths, e.Path)
	}
	want := []string{
		"tasks[0].script[0]",
		"tasks[0].script[1]",
		"tasks[0].script[2]",
		"tasks[1].script[0]",
		"tasks[1].script[2]",
		"tasks[1].script[3]",
	}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("errors reported for %v, want %v:\n%v", paths, want, err)
	}
}

func TestParseStep(t *testing.T) {
	resources := map[string]bool{"list": true}
	for _, tc := range []struct {
		line string
		want step
	}{
		{"acquire list push 0x10", step{op: opPush, res: "list", n: 16}},
		{"acquire list clear", step{op: opClear, res: "list"}},
		{"print list", step{op: opPrint, res: "list"}},
		{`log "two words" three`, step{op: opLog, args: []string{"two words", "three"}}},
		{"release 1 3", step{op: opRelease, mask: 0b1010}},
		{"block 2", step{op: opBlock, mask: 0b100}},
		{"spin 5", step{op: opSpin, n: 5}},
		{"wait", step{op: opWait}},
	} {
		got, err := parseStep(tc.line, resources, 8)
		if err != nil {
			t.Errorf("parseStep(%q) returned %v", tc.line, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseStep(%q) returned %+v, want %+v", tc.line, got, tc.want)
		}
	}
	for _, line := range []string{"", "yield now", "spin -1", "release", "release 8", "acquire list", "acquire list pop"} {
		if _, err := parseStep(line, resources, 8); err == nil {
			t.Errorf("parseStep(%q) accepted a bad step", line)
		}
	}
}

func TestConsoleScenarioLoads(t *testing.T) {
	s, err := Load("testdata/console.yaml", Options{})
	if err != nil {
		t.Fatalf("Load returned %v", err)
	}
	if mask := s.Kernel.ReadyMask(); mask != kernel.IdleTaskID.Mask() {
		t.Errorf("ready mask is %v, want only the idle task", mask)
	}
}
