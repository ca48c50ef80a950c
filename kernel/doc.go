// Package kernel implements a priority-preemptive, multi-CPU thread
// scheduler, with the synchronization primitives of a small real-time
// kernel: wait queues, semaphores, queues (FIFO and LIFO), mutexes with
// priority inheritance, condition variables, events and timers.
//
// # Threads
//
// Each Thread is backed by a goroutine, but at most one thread per CPU runs
// at a time, as chosen by the scheduler. Priorities are signed integers,
// where numerically lower is more urgent. Negative priorities are
// cooperative: a cooperative thread keeps its CPU until it blocks, yields or
// exits. Non-negative priorities are preemptible.
//
// Every operation takes a Caller, identifying the execution context: a
// *Thread (the calling thread itself), or an *ISR, obtained via
// Kernel.Interrupt. Interrupt context never blocks. Misuse, such as a
// blocking wait from interrupt context, is fatal, see WithFatalHandler.
//
// # Time
//
// Time is measured in ticks. By default the kernel uses virtual time: when
// every CPU is idle, it immediately announces the ticks needed to reach the
// earliest timeout, making timing behavior deterministic. See WithRealtime.
//
// # Example
//
//	k, _ := kernel.New()
//	_ = k.Run(ctx, func(t *kernel.Thread) {
//		sem, _ := k.NewSem(0, 1)
//		k.Spawn(t, func(t *kernel.Thread) {
//			t.Sleep(kernel.Ticks(10))
//			sem.Give(t)
//		})
//		_ = sem.Take(t, kernel.Forever)
//	})
package kernel
