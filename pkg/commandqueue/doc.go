// Package commandqueue provides a single-flight FIFO command dispatcher.
//
// Invariants:
// - Commands start in the order Push was called.
// - At most one command is handed to the Executor at a time.
// - A command's caller sees its outcome before the next command starts.
// - Once closed, no command delivers a value: commands that have not started
//   fail with ErrClosed, and an in-flight command's value is discarded.
//
// Usage:
//
//	queue, err := commandqueue.New(commandqueue.Config{
//		Executor: commandqueue.ExecutorFunc(func(cmd *commandqueue.Command, sink *commandqueue.Sink) {
//			go func() { _ = sink.Resolve("ok") }()
//		}),
//	})
//	result, err := queue.Push("produce", data).Wait()
package commandqueue
