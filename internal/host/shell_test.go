package host

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPTYShellExitStatus(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	var out bytes.Buffer
	resize := make(chan WindowSize, 1)
	resize <- WindowSize{Cols: 100, Rows: 40}
	close(resize)

	sess := &ShellSession{
		Channel: struct {
			io.Reader
			io.Writer
		}{strings.NewReader("echo ready-$((40+2))\nexit 7\n"), &out},
		Term:   "xterm",
		Size:   WindowSize{Cols: 80, Rows: 24},
		Resize: resize,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, err := (&PTYShell{Command: "/bin/sh", Log: testLogger()}).ServeShell(ctx, sess)
	if err != nil {
		t.Fatalf("ServeShell() error: %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if !strings.Contains(out.String(), "ready-42") {
		t.Errorf("output %q missing command result", out.String())
	}
}
