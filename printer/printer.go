package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Profile is the scaling applied by the spooler.
type Profile string

const (
	// ProfileFit scales the document to the paper. Used for message bodies.
	ProfileFit Profile = "fit"
	// ProfileNoScale prints at 100%. Used for 4x6 labels.
	ProfileNoScale Profile = "noscale"
)

// Driver selects the command line convention of the print tool.
type Driver string

const (
	DriverSumatra Driver = "sumatra"
	DriverLPR     Driver = "lpr"
	DriverNone    Driver = "none"
)

var (
	ErrToolMissing = errors.New("print tool not found")
	ErrNoPrinter   = errors.New("no printer configured")
)

// Printer sends a finished PDF to a named printer.
type Printer interface {
	Print(ctx context.Context, path, printer string, profile Profile) error
}

// Dispatcher runs an external print command per job.
type Dispatcher struct {
	driver  Driver
	command string
	logger  *slog.Logger
}

func NewDispatcher(driver Driver, command string, logger *slog.Logger) (*Dispatcher, error) {
	switch driver {
	case "":
		driver = DriverNone
	case DriverSumatra, DriverLPR, DriverNone:
	default:
		return nil, fmt.Errorf("unknown print driver %q", driver)
	}

	if command == "" {
		command = DefaultCommand(driver)
	}
	return &Dispatcher{driver: driver, command: command, logger: logger}, nil
}

// DefaultCommand returns the executable used by a driver when none is configured.
func DefaultCommand(driver Driver) string {
	switch driver {
	case DriverSumatra:
		return "SumatraPDF.exe"
	case DriverLPR:
		return "lpr"
	}
	return ""
}

// Driver reports the configured driver.
func (d *Dispatcher) Driver() Driver {
	return d.driver
}

// Args returns the arguments handed to the print command.
func (d *Dispatcher) Args(path, printer string, profile Profile) []string {
	switch d.driver {
	case DriverSumatra:
		return []string{"-print-to", printer, "-print-settings", string(profile), path}
	case DriverLPR:
		args := []string{"-P", printer}
		if profile == ProfileFit {
			args = append(args, "-o", "fit-to-page")
		}
		return append(args, path)
	}
	return nil
}

// Print blocks until the spooler has accepted the job.
func (d *Dispatcher) Print(ctx context.Context, path, printer string, profile Profile) error {
	if strings.TrimSpace(printer) == "" {
		return fmt.Errorf("%w for %s", ErrNoPrinter, path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("print %s: %w", path, err)
	}

	if d.driver == DriverNone {
		if d.logger != nil {
			d.logger.Info("print skipped", "driver", d.driver, "file", path, "printer", printer, "profile", profile)
		}
		return nil
	}

	bin, err := exec.LookPath(d.command)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrToolMissing, d.command)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, d.Args(path, printer, profile)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("print %s on %s: %w: %s", path, printer, err, strings.TrimSpace(stderr.String()))
	}

	if d.logger != nil {
		d.logger.Info("printed", "file", path, "printer", printer, "profile", profile)
	}
	return nil
}
