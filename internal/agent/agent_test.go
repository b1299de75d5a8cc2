package agent

import (
	"testing"
	"time"

	"github.com/fleetbus/fleetbus/internal/envelope"
)

func request(action string, fields map[string]any) *envelope.Request {
	req := envelope.NewRequest(action, fields)
	req.Req = "test-req"
	return req
}

func TestNewMintsIdentity(t *testing.T) {
	a := New("", nil, nil, false)
	if a.ID() == "" {
		t.Fatal("unnamed agent must mint an id")
	}
	b := New("", nil, nil, false)
	if a.ID() == b.ID() {
		t.Error("minted ids must be unique")
	}

	named := New("web-1", nil, nil, false)
	if named.ID() != "web-1" {
		t.Errorf("got %q, want web-1", named.ID())
	}
}

func TestHandleTargetFilter(t *testing.T) {
	a := New("web-1", nil, nil, false)

	req := request("ping", nil)
	req.Target = envelope.Target{"web-2"}
	if reply := a.Handle(req); reply != nil {
		t.Errorf("foreign target must be ignored, got %+v", reply)
	}

	req.Target = envelope.Target{"web-2", "web-1"}
	if reply := a.Handle(req); reply == nil {
		t.Error("listed agent must answer")
	}

	req.Target = nil
	if reply := a.Handle(req); reply == nil {
		t.Error("empty target addresses everyone")
	}
}

func TestHandleUnknownAction(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("frobnicate", nil))
	if reply == nil {
		t.Fatal("unknown actions still get a reply")
	}
	if reply.Error != "Action 'frobnicate' unknown." {
		t.Errorf("error = %q", reply.Error)
	}
	if reply.Req != "test-req" || reply.Agent != "web-1" {
		t.Errorf("reply envelope wrong: %+v", reply)
	}

	reply = a.Handle(request("", nil))
	if reply.Error != "Action 'unspecified' unknown." {
		t.Errorf("error = %q", reply.Error)
	}
}

func TestPingReportsTime(t *testing.T) {
	a := New("web-1", nil, nil, false)

	before := time.Now().UTC().Add(-time.Second)
	reply := a.Handle(request("ping", nil))
	if reply.Error != "" {
		t.Fatalf("ping failed: %s", reply.Error)
	}
	stamp, err := time.Parse(time.RFC3339Nano, reply.Time)
	if err != nil {
		t.Fatalf("time %q does not parse: %v", reply.Time, err)
	}
	if stamp.Before(before) || stamp.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("time %v is not current", stamp)
	}
}

func TestCommandSlotIsExclusive(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("command", map[string]any{
		"path":   []string{"sh", "-c", "printf busy"},
		"thread": "1",
	}))
	if reply.Error != "" {
		t.Fatalf("first command failed: %s", reply.Error)
	}

	// The slot stays occupied even after the child exits, until check
	// clears it.
	a.executor.Wait()

	reply = a.Handle(request("command", map[string]any{"path": "true"}))
	if reply.Error != "A command is already being executed." {
		t.Errorf("error = %q", reply.Error)
	}

	reply = a.Handle(request("check", map[string]any{"clear": "1"}))
	if reply.Error != "" {
		t.Fatalf("check failed: %s", reply.Error)
	}
	if reply.ExitCode == nil || !reply.ExitCode.Exited || reply.ExitCode.Code != 0 {
		t.Errorf("exit code = %+v", reply.ExitCode)
	}

	reply = a.Handle(request("command", map[string]any{"path": "true"}))
	if reply.Error != "" {
		t.Errorf("slot should be free after clear, got %q", reply.Error)
	}
}

func TestSyncCommandDoesNotOccupySlot(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("command", map[string]any{"path": "true"}))
	if reply.Error != "" {
		t.Fatalf("command failed: %s", reply.Error)
	}
	if a.executor != nil {
		t.Error("synchronous command must not hold the slot")
	}
}

func TestTailRequiresSpooledExecutor(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("tail", nil))
	if reply.Error != "No executor or pipes." {
		t.Errorf("error = %q", reply.Error)
	}

	// Discarding both streams leaves nothing to tail.
	reply = a.Handle(request("command", map[string]any{
		"path":   []string{"sh", "-c", "true"},
		"thread": "1",
		"stdout": "null",
		"stderr": "null",
	}))
	if reply.Error != "" {
		t.Fatalf("command failed: %s", reply.Error)
	}
	reply = a.Handle(request("tail", nil))
	if reply.Error != "No executor or pipes." {
		t.Errorf("error = %q", reply.Error)
	}
	a.Handle(request("check", map[string]any{"clear": "1"}))
}

func TestTailReadsIncrementally(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("command", map[string]any{
		"path":   []string{"sh", "-c", "printf abcdef"},
		"thread": "1",
	}))
	if reply.Error != "" {
		t.Fatalf("command failed: %s", reply.Error)
	}
	a.executor.Wait()

	reply = a.Handle(request("tail", map[string]any{"size": "4"}))
	if reply.Error != "" {
		t.Fatalf("tail failed: %s", reply.Error)
	}
	if reply.Stdout == nil || *reply.Stdout != "abcd" {
		t.Errorf("tail = %v, want abcd", reply.Stdout)
	}
	if reply.StdoutRemain == nil || *reply.StdoutRemain != 2 {
		t.Errorf("remain = %v, want 2", reply.StdoutRemain)
	}

	reply = a.Handle(request("tail", nil))
	if reply.Stdout == nil || *reply.Stdout != "ef" {
		t.Errorf("second tail = %v, want ef", reply.Stdout)
	}

	a.Handle(request("check", map[string]any{"clear": "1"}))
}

func TestCheckRequiresExecutor(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("check", nil))
	if reply.Error != "No executor." {
		t.Errorf("error = %q", reply.Error)
	}
}

func TestCheckWithoutWaitReportsNull(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("command", map[string]any{
		"path":   []string{"sleep", "30"},
		"thread": "1",
	}))
	if reply.Error != "" {
		t.Fatalf("command failed: %s", reply.Error)
	}
	defer func() {
		a.executor.cmd.Process.Kill()
		a.Handle(request("check", map[string]any{"clear": "1"}))
	}()

	reply = a.Handle(request("check", nil))
	if reply.Error != "" {
		t.Fatalf("check failed: %s", reply.Error)
	}
	if reply.ExitCode == nil {
		t.Fatal("check must always carry the exit_code key")
	}
	if reply.ExitCode.Exited {
		t.Errorf("running child reported %+v", reply.ExitCode)
	}
}

func TestCheckWaitJoinsChild(t *testing.T) {
	a := New("web-1", nil, nil, false)

	reply := a.Handle(request("command", map[string]any{
		"path":   []string{"sh", "-c", "sleep 0.1; exit 5"},
		"thread": "1",
	}))
	if reply.Error != "" {
		t.Fatalf("command failed: %s", reply.Error)
	}

	reply = a.Handle(request("check", map[string]any{"wait": "1"}))
	if reply.ExitCode == nil || !reply.ExitCode.Exited || reply.ExitCode.Code != 5 {
		t.Errorf("exit code = %+v, want 5", reply.ExitCode)
	}
	if a.executor == nil {
		t.Error("wait without clear must keep the slot")
	}

	a.Handle(request("check", map[string]any{"clear": "1"}))
	if a.executor != nil {
		t.Error("clear must release the slot")
	}
}
