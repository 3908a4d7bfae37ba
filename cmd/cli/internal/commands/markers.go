package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/store"
)

type MarkCmd struct {
	StoreFlags `embed:""`

	Subject string        `arg:"" optional:"" help:"user ID (sub claim) to log out"`
	All     bool          `help:"log out every user"`
	TTL     time.Duration `help:"how long the marker lasts" default:"1h"`
}

func (c *MarkCmd) Run(ctx context.Context, globals *Globals) error {
	globals.setupLogging()

	markers, closeStore, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return c.run(ctx, markers, os.Stdout)
}

func (c *MarkCmd) run(ctx context.Context, markers store.InvalidationStore, w io.Writer) error {
	subject, err := subjectArg(c.Subject, c.All)
	if err != nil {
		return err
	}

	if err := markers.Mark(ctx, subject, c.TTL); err != nil {
		return fmt.Errorf("failed to mark %s logged out: %w", describe(subject), err)
	}

	fmt.Fprintf(w, "Marked %s logged out for %s\n", describe(subject), c.TTL)
	return nil
}

type ClearCmd struct {
	StoreFlags `embed:""`

	Subject string `arg:"" optional:"" help:"user ID (sub claim) whose marker is removed"`
	All     bool   `help:"remove the marker that logs out every user"`
}

func (c *ClearCmd) Run(ctx context.Context, globals *Globals) error {
	globals.setupLogging()

	markers, closeStore, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return c.run(ctx, markers, os.Stdout)
}

func (c *ClearCmd) run(ctx context.Context, markers store.InvalidationStore, w io.Writer) error {
	subject, err := subjectArg(c.Subject, c.All)
	if err != nil {
		return err
	}

	if err := markers.Clear(ctx, subject); err != nil {
		return fmt.Errorf("failed to clear marker for %s: %w", describe(subject), err)
	}

	fmt.Fprintf(w, "Cleared marker for %s\n", describe(subject))
	return nil
}

type CheckCmd struct {
	StoreFlags `embed:""`

	Subject string `arg:"" help:"user ID (sub claim) to check"`
}

func (c *CheckCmd) Run(ctx context.Context, globals *Globals) error {
	globals.setupLogging()

	markers, closeStore, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return c.run(ctx, markers, os.Stdout)
}

func (c *CheckCmd) run(ctx context.Context, markers store.InvalidationStore, w io.Writer) error {
	match, err := markers.Lookup(ctx, c.Subject)
	if err != nil {
		return fmt.Errorf("failed to check %q: %w", c.Subject, err)
	}

	switch match {
	case models.MatchSubject:
		fmt.Fprintf(w, "%s: logged out (own marker)\n", c.Subject)
	case models.MatchWildcard:
		fmt.Fprintf(w, "%s: logged out (everyone marker)\n", c.Subject)
	default:
		fmt.Fprintf(w, "%s: active\n", c.Subject)
	}
	return nil
}
