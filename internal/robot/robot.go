package robot

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/RoseOO/tapestream/internal/cmdutil"
	"github.com/RoseOO/tapestream/internal/logging"
)

// commandTimeout bounds every mtx invocation. Media moves are slow but
// bounded; a changer that exceeds this is stuck.
const commandTimeout = 2 * time.Minute

// ErrNotOperational is returned when the changer does not answer status
var ErrNotOperational = errors.New("tape library robot not operational")

var (
	storageRe  = regexp.MustCompile(`Storage Element (\d+):(Full|Empty)`)
	transferRe = regexp.MustCompile(`Data Transfer Element (\d+):(Full|Empty)`)
)

// Slot describes one storage element of the library
type Slot struct {
	Number int  `json:"number"`
	Full   bool `json:"full"`
}

// Inventory is the library state parsed from mtx status
type Inventory struct {
	Slots  []Slot `json:"slots"`
	Drives []Slot `json:"drives"`
}

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Controller drives a tape library robot through mtx.
type Controller struct {
	devicePath string
	run        runner
	logger     *logging.Logger
}

// NewController creates a controller for the changer at devicePath
// (typically a /dev/sg node).
func NewController(devicePath string, logger *logging.Logger) *Controller {
	return &Controller{
		devicePath: devicePath,
		run:        execRunner,
		logger:     logger,
	}
}

func (c *Controller) mtx(ctx context.Context, args ...string) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := append([]string{"-f", c.devicePath}, args...)
	output, err := c.run(opCtx, "mtx", full...)
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			detail = cmdutil.ErrorDetail(err, nil)
		}
		return output, fmt.Errorf("mtx %s failed: %s", strings.Join(args, " "), detail)
	}
	return output, nil
}

// Status returns the parsed library inventory.
func (c *Controller) Status(ctx context.Context) (*Inventory, error) {
	output, err := c.mtx(ctx, "status")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotOperational, err)
	}
	return ParseInventory(string(output)), nil
}

// ParseInventory extracts slot and drive occupancy from mtx status output.
func ParseInventory(output string) *Inventory {
	inv := &Inventory{}

	for _, m := range storageRe.FindAllStringSubmatch(output, -1) {
		num, _ := strconv.Atoi(m[1])
		inv.Slots = append(inv.Slots, Slot{Number: num, Full: m[2] == "Full"})
	}
	for _, m := range transferRe.FindAllStringSubmatch(output, -1) {
		num, _ := strconv.Atoi(m[1])
		inv.Drives = append(inv.Drives, Slot{Number: num, Full: m[2] == "Full"})
	}

	return inv
}

// IsOperational reports whether the changer answers status queries.
func (c *Controller) IsOperational(ctx context.Context) bool {
	_, err := c.Status(ctx)
	return err == nil
}

// Load moves a cartridge from a storage slot into a drive.
func (c *Controller) Load(ctx context.Context, slot, drive int) error {
	c.logger.Info("Loading cartridge", map[string]interface{}{
		"slot":  slot,
		"drive": drive,
	})
	_, err := c.mtx(ctx, "load", strconv.Itoa(slot), strconv.Itoa(drive))
	return err
}

// Unload moves a cartridge from a drive back to a storage slot.
func (c *Controller) Unload(ctx context.Context, slot, drive int) error {
	c.logger.Info("Unloading cartridge", map[string]interface{}{
		"slot":  slot,
		"drive": drive,
	})
	_, err := c.mtx(ctx, "unload", strconv.Itoa(slot), strconv.Itoa(drive))
	return err
}

// Transfer moves a cartridge between two storage slots.
func (c *Controller) Transfer(ctx context.Context, from, to int) error {
	_, err := c.mtx(ctx, "transfer", strconv.Itoa(from), strconv.Itoa(to))
	return err
}

// FirstFullSlot returns the lowest numbered occupied storage slot, or an
// error when the library holds no media.
func (inv *Inventory) FirstFullSlot() (int, error) {
	for _, s := range inv.Slots {
		if s.Full {
			return s.Number, nil
		}
	}
	return 0, errors.New("no occupied storage slots")
}
