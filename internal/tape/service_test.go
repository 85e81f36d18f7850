package tape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/RoseOO/tapestream/internal/logging"
)

const sampleStatus = `SCSI 2 tape drive:
File number=3, block number=128, partition=0.
Tape block size 0 bytes. Density code 0x58 (LTO-5).
Soft error count since last status=0
General status bits on (81010000):
 EOF ONLINE IM_REP_EN
`

func TestParseStatus(t *testing.T) {
	status := ParseStatus(sampleStatus)

	if !status.Online {
		t.Error("expected online")
	}
	if status.FileNumber != 3 {
		t.Errorf("expected file number 3, got %d", status.FileNumber)
	}
	if status.BlockNumber != 128 {
		t.Errorf("expected block number 128, got %d", status.BlockNumber)
	}
	if !status.EOF {
		t.Error("expected EOF flag")
	}
	if status.WriteProtect {
		t.Error("did not expect write protect")
	}
	if status.DensityCode != "0x58" {
		t.Errorf("expected density 0x58, got %s", status.DensityCode)
	}
}

func TestParseStatusWriteProtected(t *testing.T) {
	output := strings.Replace(sampleStatus, "EOF ONLINE", "WR_PROT ONLINE BOT", 1)
	status := ParseStatus(output)

	if !status.WriteProtect {
		t.Error("expected write protect")
	}
	if !status.BOT {
		t.Error("expected BOT")
	}
}

func TestParseStatusOffline(t *testing.T) {
	output := `SCSI 2 tape drive:
File number=-1, block number=-1, partition=0.
Tape block size 0 bytes. Density code 0x0 (default).
General status bits on (50000):
 DR_OPEN IM_REP_EN
`
	status := ParseStatus(output)
	if status.Online {
		t.Error("expected offline")
	}
	if status.FileNumber != -1 {
		t.Errorf("expected file number -1, got %d", status.FileNumber)
	}
}

func TestParseCleaningBit(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"yes", "Product Type: Tape Drive\nCleaning bit: yes\n", true},
		{"numeric", "Cleaning bit: 1\n", true},
		{"no", "Product Type: Tape Drive\nCleaning bit: no\n", false},
		{"zero", "Cleaning bit: 0\n", false},
		{"absent", "Product Type: Tape Drive\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCleaningBit(tt.output); got != tt.want {
				t.Errorf("ParseCleaningBit = %v, want %v", got, tt.want)
			}
		})
	}
}

// fakeRunner scripts command responses and records invocations.
type fakeRunner struct {
	calls     []string
	responses map[string]struct {
		output string
		err    error
	}
	failuresLeft int
	failErr      error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)

	if r, ok := f.responses[call]; ok {
		return []byte(r.output), r.err
	}

	// positioning commands fail failuresLeft times, then succeed
	if !strings.Contains(call, "status") && f.failuresLeft > 0 {
		f.failuresLeft--
		return []byte("mt: command failed"), f.failErr
	}
	return []byte(sampleStatus), nil
}

func testDevice(r *fakeRunner) *Device {
	d := NewDevice("/dev/nst0", "/dev/sg1", logging.NewNop())
	d.run = r.run
	return d
}

func TestStatusNotRetried(t *testing.T) {
	r := &fakeRunner{
		responses: map[string]struct {
			output string
			err    error
		}{
			"mt -f /dev/nst0 status": {"mt: /dev/nst0: no such device", fmt.Errorf("exit status 1")},
		},
	}
	d := testDevice(r)

	_, err := d.Status(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}

	statusCalls := 0
	for _, c := range r.calls {
		if strings.HasSuffix(c, "status") {
			statusCalls++
		}
	}
	if statusCalls != 1 {
		t.Errorf("status must not be retried, saw %d calls", statusCalls)
	}
}

func TestStatusParsesCleaningBit(t *testing.T) {
	r := &fakeRunner{
		responses: map[string]struct {
			output string
			err    error
		}{
			"mt -f /dev/nst0 status": {sampleStatus, nil},
			"tapeinfo -f /dev/sg1":   {"Cleaning bit: yes\n", nil},
		},
	}
	d := testDevice(r)

	status, err := d.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.CleaningNeeded {
		t.Error("expected cleaning needed")
	}
}

func TestSetBlockSizeValidation(t *testing.T) {
	r := &fakeRunner{}
	d := testDevice(r)

	for _, size := range []int{0, -5, MaxBlockSize + 1} {
		err := d.SetBlockSize(context.Background(), size)
		if !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("SetBlockSize(%d) expected ErrInvalidParameter, got %v", size, err)
		}
	}

	if len(r.calls) != 0 {
		t.Errorf("no command should run for invalid sizes, saw %v", r.calls)
	}

	if err := d.SetBlockSize(context.Background(), 262144); err != nil {
		t.Errorf("SetBlockSize(262144) unexpected error: %v", err)
	}
}

func TestPositioningRetriesThenSucceeds(t *testing.T) {
	r := &fakeRunner{
		failuresLeft: 2,
		failErr:      fmt.Errorf("exit status 1"),
	}
	d := testDevice(r)

	if err := d.Rewind(context.Background()); err != nil {
		t.Fatalf("expected rewind to recover, got %v", err)
	}

	rewinds := 0
	for _, c := range r.calls {
		if strings.HasSuffix(c, "rewind") {
			rewinds++
		}
	}
	if rewinds != 3 {
		t.Errorf("expected 3 rewind attempts, got %d", rewinds)
	}
}

func TestPositioningGivesUpAfterRetries(t *testing.T) {
	r := &fakeRunner{
		failuresLeft: 10,
		failErr:      fmt.Errorf("exit status 1"),
	}
	d := testDevice(r)

	err := d.SpaceForward(context.Background(), 2)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPositioningHonorsCancellation(t *testing.T) {
	r := &fakeRunner{
		failuresLeft: 10,
		failErr:      fmt.Errorf("exit status 1"),
	}
	d := testDevice(r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := d.Rewind(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancellation should interrupt the retry backoff")
	}
}

func TestSpaceForwardRejectsNonPositive(t *testing.T) {
	d := testDevice(&fakeRunner{})
	if err := d.SpaceForward(context.Background(), 0); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
	if err := d.SpaceBackward(context.Background(), -1); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
	if err := d.WriteFileMark(context.Background(), 0); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestSeekToFile(t *testing.T) {
	r := &fakeRunner{}
	d := testDevice(r)

	if err := d.SeekToFile(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ops []string
	for _, c := range r.calls {
		if strings.HasSuffix(c, "rewind") || strings.Contains(c, "fsf") {
			ops = append(ops, c)
		}
	}
	if len(ops) != 2 || !strings.HasSuffix(ops[0], "rewind") || !strings.HasSuffix(ops[1], "fsf 4") {
		t.Errorf("expected rewind then fsf 4, got %v", ops)
	}

	if err := d.SeekToFile(context.Background(), -1); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter for negative file, got %v", err)
	}
}

func TestIsReadyForWriteReasons(t *testing.T) {
	tests := []struct {
		name       string
		mtOutput   string
		mtErr      error
		tapeinfo   string
		wantReady  bool
		wantReason string
	}{
		{
			name:       "status failure",
			mtOutput:   "mt: /dev/nst0: Input/output error",
			mtErr:      fmt.Errorf("exit status 2"),
			wantReady:  false,
			wantReason: "status unavailable",
		},
		{
			name:       "offline",
			mtOutput:   "General status bits on (50000):\n DR_OPEN IM_REP_EN\n",
			wantReady:  false,
			wantReason: "offline",
		},
		{
			name:       "cleaning required",
			mtOutput:   sampleStatus,
			tapeinfo:   "Cleaning bit: yes\n",
			wantReady:  false,
			wantReason: "cleaning",
		},
		{
			name:       "write protected",
			mtOutput:   strings.Replace(sampleStatus, "EOF ONLINE", "WR_PROT ONLINE", 1),
			wantReady:  false,
			wantReason: "write-protected",
		},
		{
			name:      "ready",
			mtOutput:  sampleStatus,
			tapeinfo:  "Cleaning bit: no\n",
			wantReady: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{
				responses: map[string]struct {
					output string
					err    error
				}{
					"mt -f /dev/nst0 status": {tt.mtOutput, tt.mtErr},
					"tapeinfo -f /dev/sg1":   {tt.tapeinfo, nil},
				},
			}
			d := testDevice(r)

			ready, reason := d.IsReadyForWrite(context.Background())
			if ready != tt.wantReady {
				t.Errorf("ready = %v, want %v (reason %q)", ready, tt.wantReady, reason)
			}
			if !tt.wantReady && !strings.Contains(reason, tt.wantReason) {
				t.Errorf("reason %q does not mention %q", reason, tt.wantReason)
			}
		})
	}
}
