// Command taskbus is a debugging tool for buses speaking the wire
// protocol: it can call methods, emit signals, monitor signal
// traffic, and watch filesystem paths through the event loop.
package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"

	"taskbus"
	"taskbus/eventloop"
	"taskbus/pathwatch"
)

var globalArgs struct {
	Addr    string `flag:"addr,Bus socket path (prefix with @ for abstract sockets)"`
	Timeout int    `flag:"timeout,default=25,Call timeout in seconds"`
}

var callArgs struct {
	Dest   string `flag:"dest,Destination bus name"`
	OneWay bool   `flag:"one-way,Do not wait for a reply"`
}

var monitorArgs struct {
	Sender    string `flag:"sender,Only show signals from this sender"`
	Object    string `flag:"object,Only show signals from this object path"`
	Interface string `flag:"interface,Only show signals on this interface"`
	Member    string `flag:"member,Only show signals with this name"`
}

func main() {
	root := &command.C{
		Name:     "taskbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "call object interface member [signature args...]",
				Help: `Call a method and print its reply.

Arguments after the member name are a body signature followed by one
string per type in the signature. Only basic types can be given on
the command line. With no signature, the call has an empty body.`,
				SetFlags: command.Flags(flax.MustBind, &callArgs),
				Run:      runCall,
			},
			{
				Name:  "emit",
				Usage: "emit object interface member [signature args...]",
				Help:  "Emit a signal.",
				Run:   runEmit,
			},
			{
				Name:     "monitor",
				Usage:    "monitor",
				Help:     "Print signals as they arrive, until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &monitorArgs),
				Run:      command.Adapt(runMonitor),
			},
			{
				Name:  "watch",
				Usage: "watch path",
				Help: `Watch a filesystem path and report identity changes.

The path does not have to exist; creation, deletion and replacement
are all reported. Runs until interrupted.`,
				Run: command.Adapt(runWatch),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil), os.Args[1:])
}

// runOnLoop runs body as a task on a fresh event loop and drives the
// loop until every task has finished.
func runOnLoop(body func(t *eventloop.Task) error) error {
	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("creating event loop: %w", err)
	}
	defer loop.Close()

	var bodyErr error
	loop.Go(func(t *eventloop.Task) {
		bodyErr = body(t)
	})
	if err := loop.Run(); err != nil {
		return fmt.Errorf("running event loop: %w", err)
	}
	return bodyErr
}

func busConn(loop *eventloop.Loop) (*taskbus.Conn, error) {
	addr := globalArgs.Addr
	if addr == "" {
		addr = os.Getenv("TASKBUS_ADDR")
	}
	if addr == "" {
		return nil, errors.New("no bus address: pass --addr or set TASKBUS_ADDR")
	}
	return taskbus.Dial(loop, addr)
}

func runCall(env *command.Env) error {
	path, iface, member, sig, body, err := parseMessageArgs(env.Args)
	if err != nil {
		return env.Usagef("%v", err)
	}
	return runOnLoop(func(t *eventloop.Task) error {
		conn, err := busConn(t.Loop())
		if err != nil {
			return err
		}
		defer conn.Close()

		if callArgs.OneWay {
			return conn.OneWay(t, callArgs.Dest, path, iface, member, sig, body...)
		}
		timeout := time.Duration(globalArgs.Timeout) * time.Second
		ret, err := conn.CallTimeout(t, timeout, callArgs.Dest, path, iface, member, sig, body...)
		if err != nil {
			return fmt.Errorf("calling %s.%s: %w", iface, member, err)
		}
		for _, v := range ret {
			fmt.Printf("%# v\n", pretty.Formatter(v))
		}
		return nil
	})
}

func runEmit(env *command.Env) error {
	path, iface, member, sig, body, err := parseMessageArgs(env.Args)
	if err != nil {
		return env.Usagef("%v", err)
	}
	return runOnLoop(func(t *eventloop.Task) error {
		conn, err := busConn(t.Loop())
		if err != nil {
			return err
		}
		defer conn.Close()
		return conn.EmitSignal(t, path, iface, member, sig, body...)
	})
}

func runMonitor(env *command.Env) error {
	m := taskbus.MatchAllSignals()
	if monitorArgs.Sender != "" {
		m = m.Sender(monitorArgs.Sender)
	}
	if monitorArgs.Object != "" {
		m = m.Object(taskbus.ObjectPath(monitorArgs.Object))
	}
	if monitorArgs.Interface != "" {
		m = m.Interface(monitorArgs.Interface)
	}
	if monitorArgs.Member != "" {
		m = m.Member(monitorArgs.Member)
	}

	return runOnLoop(func(t *eventloop.Task) error {
		conn, err := busConn(t.Loop())
		if err != nil {
			return err
		}
		defer conn.Close()

		remove := conn.Subscribe(m, func(msg *taskbus.Message) {
			fmt.Printf("signal %s.%s from %s on %s\n", msg.Interface, msg.Member, msg.Sender, msg.Path)
			for _, v := range msg.Body {
				fmt.Printf("  %# v\n", pretty.Formatter(v))
			}
		})
		defer remove()

		fmt.Println("Monitoring signals, ^C to stop...")
		return waitInterrupt(t)
	})
}

func runWatch(env *command.Env, path string) error {
	return runOnLoop(func(t *eventloop.Task) error {
		w, err := pathwatch.Open(t.Loop(), path)
		if err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		defer w.Close()
		fmt.Printf("%s: %s\n", path, w.Identity())

		// Interrupt handling shares the loop with the watch: a
		// second task closes the watch, which unblocks Next.
		intDone := t.Loop().NewTrigger()
		t.Loop().Go(func(it *eventloop.Task) {
			defer intDone.Resolve(nil)
			waitInterrupt(it)
			w.Close()
		})

		for {
			id, err := w.Next(t)
			if errors.Is(err, pathwatch.ErrClosed) {
				return t.WaitTrigger(intDone)
			}
			if err != nil {
				w.Close()
				t.WaitTrigger(intDone)
				return fmt.Errorf("watching %s: %w", path, err)
			}
			fmt.Printf("%s: %s\n", path, id)
		}
	})
}

// waitInterrupt parks the task until SIGINT or SIGTERM arrives.
func waitInterrupt(t *eventloop.Task) error {
	intW, err := t.Loop().AddSignal(syscall.SIGINT)
	if err != nil {
		return err
	}
	defer intW.Cancel()
	termW, err := t.Loop().AddSignal(syscall.SIGTERM)
	if err != nil {
		return err
	}
	defer termW.Cancel()

	done := t.Loop().NewTrigger()
	t.Loop().Go(func(st *eventloop.Task) {
		if err := st.Wait(termW); err == nil {
			done.Resolve(nil)
		} else {
			done.Resolve(err)
		}
	})
	t.Loop().Go(func(st *eventloop.Task) {
		if err := st.Wait(intW); err == nil {
			done.Resolve(nil)
		} else {
			done.Resolve(err)
		}
	})
	return t.WaitTrigger(done)
}
