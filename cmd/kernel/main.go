// Command kernel boots a simulated SMP instance of the core described in
// SPEC_FULL.md: it wires the env table, scheduler, trap dispatcher, VM
// syscalls, and IPC rendezvous together and drives a handful of
// application-processor goroutines through the round-robin scheduler,
// the way justanotherdot-biscuit/biscuit/src/kernel/main.go's cpus_start/
// ap_entry bring up real APs — each simulated CPU goroutine holds the BKL
// exactly like a real CPU holds it while executing in kernel mode.
//
// There is no x86 instruction emulator here: this binary is a wiring and
// scheduling demonstration, not a way to actually run the ELF images it
// loads. The syscalls, page tables, scheduler, and IPC rendezvous it
// exercises are the real implementations in src/.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/ipc"
	"nucleus/src/kstat"
	"nucleus/src/mem"
	"nucleus/src/sched"
	"nucleus/src/syscall"
	"nucleus/src/trap"
	"nucleus/src/ulib"
	"nucleus/src/vmsys"
)

// bootImage names one ELF image to load and the env type to create it
// with, matching the manifest schema a --manifest YAML file supplies.
type bootImage struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"` // "user" or "fs"
}

type bootManifest struct {
	Images []bootImage `yaml:"images"`
}

func main() {
	var ncpu int
	var nframes int
	var manifestPath string
	var images []string
	var ticks int

	root := &cobra.Command{
		Use:   "kernel",
		Short: "boot a simulated multiprocessor teaching microkernel instance",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "boot NCPU simulated CPUs and drive the scheduler for a fixed number of timer ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest := bootManifest{}
			if manifestPath != "" {
				data, err := os.ReadFile(manifestPath)
				if err != nil {
					return fmt.Errorf("read manifest: %w", err)
				}
				if err := yaml.Unmarshal(data, &manifest); err != nil {
					return fmt.Errorf("parse manifest: %w", err)
				}
			}
			for _, img := range images {
				manifest.Images = append(manifest.Images, bootImage{Path: img, Type: "user"})
			}
			return boot(ncpu, nframes, ticks, manifest)
		},
	}
	run.Flags().IntVar(&ncpu, "ncpu", 2, "number of simulated CPUs")
	run.Flags().IntVar(&nframes, "frames", 1<<16, "physical frame pool size")
	run.Flags().StringVar(&manifestPath, "manifest", "", "YAML boot manifest listing ELF images")
	run.Flags().StringSliceVar(&images, "image", nil, "ELF image path to load as a USER env (repeatable)")
	run.Flags().IntVar(&ticks, "ticks", 100, "number of simulated timer ticks to drive the scheduler through")

	root.AddCommand(run)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func boot(ncpu, nframes, ticks int, manifest bootManifest) error {
	pool, err := mem.NewPool(nframes)
	if err != nil {
		return err
	}
	defer pool.Close()

	master, masterPa, ok := pool.NewPmap()
	if !ok {
		return fmt.Errorf("boot: out of memory building master directory")
	}
	pool.Refup(masterPa)

	envs := env.NewTable(pool, master, masterPa)
	bkl := trap.NewBKL()
	s := sched.New(envs, pool, ncpu)
	rv := &ipc.Rendezvous{Envs: envs, Pool: pool}
	vm := &vmsys.Layer{Envs: envs, Pool: pool}
	registry := ulib.NewRegistry(pool, vm)
	counters := kstat.New()

	router := &syscall.Router{
		Envs:    envs,
		VM:      vm,
		IPC:     rv,
		Console: &stdoutConsole{},
		Pool:    pool,
		CurrentCPU: func(e *env.Env) bool {
			for _, c := range s.CPUs {
				if c.Curenv == e {
					return true
				}
			}
			return false
		},
	}
	k := trap.NewKernel(bkl, envs, s, pool, rv, router.Dispatch, ncpu)
	router.DestroyEnv = func(target *env.Env, onCurrentCPU bool) {
		envs.Destroy(target, onCurrentCPU, func(parent int32) {
			for i := range envs.All() {
				e := &envs.All()[i]
				if e.Status == defs.ENV_DYING && e.ParentId == parent {
					envs.Free(e)
				}
			}
		})
	}

	for _, img := range manifest.Images {
		data, err := os.ReadFile(img.Path)
		if err != nil {
			return fmt.Errorf("read image %s: %w", img.Path, err)
		}
		typ := defs.ENV_TYPE_USER
		if img.Type == "fs" {
			typ = defs.ENV_TYPE_FS
		}
		if _, err := envs.Create(data, typ); err != 0 {
			return fmt.Errorf("create env from %s: %v", img.Path, err)
		}
	}

	g, ctx := errgroup.WithContext(context.Background())
	for cpu := 0; cpu < ncpu; cpu++ {
		cpu := cpu
		g.Go(func() error {
			return apLoop(ctx, k, s, s.CPUs[cpu], counters, ticks)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Print(counters.Dump())
	return nil
}

// apLoop is the simulated per-CPU kernel loop: each tick, acquire the
// BKL, ask the scheduler what to do, and release it — mirroring the BKL
// discipline in spec §5 (held from kernel entry to just before the iret
// tail, released before sched_halt's hlt).
func apLoop(ctx context.Context, k *trap.Kernel, s *sched.Scheduler, c *sched.CPU, counters *kstat.Counters, ticks int) error {
	for i := 0; i < ticks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		k.BKL.Acquire()
		d := s.Yield(c)
		k.BKL.Release()
		if d.Halt {
			counters.RecordHalt(c.ID)
			time.Sleep(time.Millisecond)
			continue
		}
		counters.RecordRun(c.ID)
	}
	return nil
}

type stdoutConsole struct{}

func (stdoutConsole) Puts(s string)      { fmt.Print(s) }
func (stdoutConsole) Getc() (byte, bool) { return 0, false }
