/*
 * nk32 - Kernel boot entry point.
 *
 * Copyright 2026, The nk32 Authors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	getopt "github.com/pborman/getopt/v2"
	liner "github.com/peterh/liner"

	"nk32/drivers/blockdev"
	"nk32/drivers/console"
	"nk32/drivers/tick"
	"nk32/internal/blockfs"
	"nk32/internal/gdt"
	"nk32/internal/idt"
	"nk32/internal/kheap"
	"nk32/internal/pic"
	"nk32/internal/pmm"
	"nk32/internal/proc"
	"nk32/internal/sched"
	nksys "nk32/internal/syscall"
	"nk32/internal/userbridge"
	"nk32/internal/vmm"
	"nk32/util/logger"
)

var Logger *slog.Logger

// kernelHeapBase is an arbitrary higher-half virtual address nothing
// else in the boot sequence maps, per spec.md §4.3.
const kernelHeapBase = 0xD0000000

func main() {
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optMemKiB := getopt.StringLong("mem", 'm', "32768", "Simulated physical memory, in KiB")
	optDebug := getopt.BoolLong("debug", 'd', "Enable the interactive debug console")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	memKiB, err := strconv.ParseUint(*optMemKiB, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --mem value %q: %v\n", *optMemKiB, err)
		os.Exit(1)
	}

	var file *os.File
	if optLogFile != nil && *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelInfo)
	debugFlag := false
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, &debugFlag))
	slog.SetDefault(Logger)

	Logger.Info("nk32 starting", "mem_kib", memKiB)

	pmm.Init(pmm.BootInfo{
		MemUpperKiB:     uint32(memKiB),
		KernelPhysStart: 0x100000,
		KernelPhysEnd:   0x140000,
	})

	kernelSpace, ok := vmm.InitKernelSpace()
	if !ok {
		Logger.Error("failed to build the kernel address space")
		os.Exit(1)
	}
	kernelSpace.Activate()

	heap, ok := kheap.Init(kernelSpace, kernelHeapBase, pmm.FrameSize)
	if !ok {
		Logger.Error("failed to initialize the kernel heap")
		os.Exit(1)
	}

	if !gdt.Init() {
		Logger.Error("failed to install the GDT/TSS")
		os.Exit(1)
	}
	if !idt.Init() {
		Logger.Error("failed to install the IDT")
		os.Exit(1)
	}
	pic.Init()
	idt.SetEOIHook(pic.EOI)

	idt.Register(pic.MasterBase+pic.TimerIRQ, 0, func(f *idt.Frame) { sched.Tick() })
	clock := tick.New(5 * time.Millisecond)
	clock.Start()
	pic.Unmask(pic.TimerIRQ)

	keyboard := &console.Keyboard{}
	idt.Register(pic.MasterBase+pic.KeyboardIRQ, 0, func(f *idt.Frame) { keyboard.PushKey(byte(f.EAX)) })
	go feedKeyboard(keyboard, os.Stdin)
	pic.Unmask(pic.KeyboardIRQ)

	screen := console.NewScreen(os.Stdout)
	serial := console.NewScreen(os.Stderr)
	stdout := console.FanOut{screen, serial}

	disk := blockdev.New(2048)
	fs := blockfs.New(disk)
	fs.Create("motd", []byte("nk32 kernel core online\n"))

	Logger.Info("memory, traps and devices initialized",
		"free_frames", pmm.FreeFrames(), "total_frames", pmm.TotalFrames())

	initAS, ok := vmm.NewAddressSpace()
	if !ok {
		Logger.Error("failed to build the init process address space")
		os.Exit(1)
	}

	initPID, ok := proc.Create(0, initAS, heap, func(pid int) {
		runInit(pid, initAS, heap, fs, stdout, keyboard, clock)
	})
	if !ok {
		Logger.Error("failed to create the init process")
		os.Exit(1)
	}
	Logger.Info("init process created", "pid", initPID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go sched.Start()

	if *optDebug {
		go runDebugConsole()
	}

	<-sigChan
	Logger.Info("nk32 shutting down")
	clock.Shutdown()
}

// motdPathVirt and motdBufVirt are scratch pages mapped into the address
// space the child runs in (init's own, which RunUserAndWait hands it) to
// hold the path string int 0x80 reads by pointer
// and the bytes read back from it, since the call convention passes
// virtual addresses exactly as compiled ring-3 code would.
const (
	motdPathVirt = 0x00500000
	motdBufVirt  = 0x00501000
)

// runInit is the init process's program (pid 0, the first process
// slot): it starts a single child through userbridge.RunUserAndWait that
// raises real int 0x80 traps to open, read, write and close the
// message-of-the-day through the syscall surface, waits for it, then
// reports the reaped
// exit code — the same shape a real init process takes, expressed in
// the Go-closure-as-user-program model SPEC_FULL.md's note on
// realizability describes.
func runInit(pid int, as *vmm.AddressSpace, heap *kheap.Heap, fs *blockfs.FS, stdout nksys.CharSink, keyboard *console.Keyboard, clock *tick.Source) {
	code, ok := userbridge.RunUserAndWait(pid, as, heap, func(childPID int) {
		childCtx := &nksys.Context{PID: childPID, AS: as, Heap: heap, FS: fs, Stdout: stdout, Stdin: keyboard, Clock: clock}
		nksys.Bind(childCtx)

		pathPhys, ok1 := pmm.AllocFrame()
		bufPhys, ok2 := pmm.AllocFrame()
		if !ok1 || !ok2 {
			slog.Error("init could not map scratch pages for its child")
			return
		}
		as.Map(motdPathVirt, pathPhys, vmm.FlagWrite|vmm.FlagUser)
		as.Map(motdBufVirt, bufPhys, vmm.FlagWrite|vmm.FlagUser)
		copy(pmm.RAM()[pathPhys:], append([]byte("motd"), 0))

		fd := trap(nksys.SysOpen, motdPathVirt, 0, 0)
		n := trap(nksys.SysRead, fd, motdBufVirt, 64)
		trap(nksys.SysWrite, motdBufVirt, n, 0)
		trap(nksys.SysClose, fd, 0, 0)
		trap(nksys.SysExit, 0, 0, 0)
	})
	if !ok {
		slog.Error("init failed to run its first child")
		return
	}
	slog.Info("init reaped its child", "exit_code", code)
}

// trap raises int 0x80 exactly as compiled ring-3 code would and
// returns the result left in eax, per spec.md §6's register convention.
func trap(eax, ebx, ecx, edx uint32) uint32 {
	f := &idt.Frame{IntNum: idt.SyscallVector, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx}
	idt.Dispatch(f)
	return f.EAX
}

// feedKeyboard reads r one byte at a time and delivers each as a
// simulated keyboard IRQ, standing in for a real PS/2 controller.
func feedKeyboard(k *console.Keyboard, r io.Reader) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			k.Receive(buf[0])
		}
		if err != nil {
			return
		}
	}
}

// runDebugConsole is a minimal interactive inspector, grounded on the
// liner-based line editor; it never drives the kernel's own state
// machines, only reads them.
func runDebugConsole() {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("nk32> ")
		if err != nil {
			return
		}
		line.AppendHistory(input)
		switch strings.TrimSpace(input) {
		case "mem":
			fmt.Printf("frames: %d/%d free\n", pmm.FreeFrames(), pmm.TotalFrames())
		case "ps":
			fmt.Printf("scheduler live threads: %d\n", sched.Live())
		case "help":
			fmt.Println("commands: mem, ps, help, quit")
		case "quit", "exit":
			return
		default:
			if strings.TrimSpace(input) != "" {
				fmt.Println("unknown command")
			}
		}
	}
}
