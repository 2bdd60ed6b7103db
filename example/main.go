package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/brahma-adshonor/livepatch"
	"github.com/brahma-adshonor/livepatch/asm"
	"github.com/brahma-adshonor/livepatch/config"
	"github.com/brahma-adshonor/livepatch/menu"
)

const (
	configArg = "c"
	onceArg   = "once"

	// answerSource returns 42 after enough padding for the hook jump.
	answerSourceARM64 = "movz w0, #42; nop; nop; nop; ret"
	answerSourceX64   = "mov eax, 42; nop; nop; nop; nop; nop; nop; nop; nop; nop; ret"
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	configPath := flag.String(
		configArg,
		"patches.yaml",
		"The patch-set file to load")

	once := flag.Bool(
		onceArg,
		false,
		"Exit after applying the patch set instead of waiting for an interrupt")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if cfg.Debug {
		logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var mapper livepatch.Mapper = livepatch.Absolute{}
	if cfg.Image != "" {
		img, err := waitForImage(ctx, cfg)
		if err != nil {
			return err
		}
		logger.Printf("[PATCH] %s at 0x%x (slide 0x%x)", img.Path, img.Base, img.Slide)
		mapper = img
	}

	hooks, err := livepatch.NewHookEngine(livepatch.HookEngineConfig{
		Mapper: mapper,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := hooks.Close(); err != nil {
			log.Printf("unhook: %v", err)
		}
	}()

	registry := livepatch.NewRegistry(livepatch.RegistryConfig{
		Mapper: mapper,
		Guard:  hooks,
		Logger: logger,
	})
	defer func() {
		if err := registry.RevertAll(); err != nil {
			log.Printf("revert: %v", err)
		}
	}()

	answer, release, err := installAnswerHook(hooks)
	if err != nil {
		return err
	}
	defer release()

	controller := menu.New(menu.Config{
		Registry: registry,
		Hooks:    hooks,
		Logger:   logger,
	})

	setup := livepatch.ThreadLauncher{Logger: logger}.StartJoinable(func() error {
		return controller.LoadConfig(cfg)
	})
	if err := setup.Join(); err != nil {
		log.Printf("some features failed: %v", err)
	}

	printMenu(controller)

	result, err := livepatch.Invoke(answer)
	if err != nil {
		return err
	}
	fmt.Printf("answer() = %d\n", uint32(result))

	if *once {
		return nil
	}

	<-ctx.Done()
	return nil
}

func waitForImage(ctx context.Context, cfg *config.Config) (livepatch.Image, error) {
	if cfg.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Wait)
		defer cancel()
	}

	img, err := livepatch.NewResolver(nil).WaitForImage(ctx, cfg.Image, 50*time.Millisecond)
	if err != nil {
		return livepatch.Image{}, errors.Wrapf(err, "waiting %s for image", cfg.Wait)
	}
	return img, nil
}

// installAnswerHook maps a small native function returning 42 and hooks it
// with a Go callback returning 7 under the name "answer". The returned
// function unmaps it again.
func installAnswerHook(hooks *livepatch.HookEngine) (uintptr, func(), error) {
	var source string
	switch asm.Native() {
	case asm.ARM64:
		source = answerSourceARM64
	case asm.X86_64:
		source = answerSourceX64
	default:
		return 0, nil, errors.Wrapf(livepatch.ErrUnsupported, "no demo for %s", asm.Native())
	}

	code, err := asm.Assemble(asm.Native(), source, 0)
	if err != nil {
		return 0, nil, err
	}

	page, err := mmap.MapRegion(nil, os.Getpagesize(), mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to map demo function")
	}
	copy(page, code)
	fn := uintptr(unsafe.Pointer(&page[0]))

	callback, err := livepatch.NewCallback(func() uintptr { return 7 })
	if err != nil {
		page.Unmap()
		return 0, nil, err
	}

	if _, err := hooks.HookNamed("answer", fn, callback); err != nil {
		page.Unmap()
		return 0, nil, err
	}

	release := func() {
		if err := hooks.Remove("answer"); err != nil && !errors.Is(err, livepatch.ErrNotFound) {
			log.Printf("unhook answer: %v", err)
		}
		page.Unmap()
	}
	return fn, release, nil
}

func printMenu(c *menu.Controller) {
	for _, f := range c.Features() {
		mark := " "
		if f.Enabled {
			mark = "x"
		}
		fmt.Printf("[%s] %s", mark, f.Name)
		if f.Description != "" {
			fmt.Printf(" - %s", f.Description)
		}
		fmt.Println()
	}
}
