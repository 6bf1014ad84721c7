// Package shell implements the line-oriented command loop described in
// spec §6: one command per input line, one response per line, exact
// response strings, exit code 0 on clean EOF. It is split out of
// cmd/kvlogdb so the loop is testable against bytes.Buffers, the same
// separation the teacher draws between cmd/rest_server's thin main and
// its testable client package.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/arjunsk/kvlogdb/internal/engine"
	"github.com/arjunsk/kvlogdb/internal/storage"
	"github.com/arjunsk/kvlogdb/internal/txn"
)

// Run reads commands from r, one per line, writes responses to w, and
// returns nil on clean EOF. A client disconnect while a transaction is
// open is treated as an implicit ABORT, per spec §5 "Cancellation /
// timeouts".
func Run(r io.Reader, w io.Writer, e *engine.Engine) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		dispatch(line, e, bw)
		bw.Flush()
	}

	if err := sc.Err(); err != nil {
		return err
	}
	if e.InTransaction() {
		_ = e.Abort()
	}
	return nil
}

func dispatch(line string, e *engine.Engine, w *bufio.Writer) {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "SET":
		cmdSet(args, e, w)
	case "GET":
		cmdGet(args, e, w)
	case "EXISTS":
		cmdExists(args, e, w)
	case "DEL":
		cmdDel(args, e, w)
	case "EXPIRE":
		cmdExpire(args, e, w)
	case "TTL":
		cmdTTL(args, e, w)
	case "PERSIST":
		cmdPersist(args, e, w)
	case "MSET":
		cmdMSet(args, e, w)
	case "MGET":
		cmdMGet(args, e, w)
	case "RANGE":
		cmdRange(args, e, w)
	case "BEGIN":
		cmdBegin(e, w)
	case "COMMIT":
		cmdCommit(e, w)
	case "ABORT":
		cmdAbort(e, w)
	case "STATS":
		cmdStats(e, w)
	default:
		errLine(w, "unknown")
	}
}

func errLine(w *bufio.Writer, tag string) {
	fmt.Fprintf(w, "ERR %s\n", tag)
}

// mapErr translates an engine/storage/txn error into the ERR <tag> the
// shell owes the client (spec §7 "Propagation policy").
func mapErr(w *bufio.Writer, err error) {
	switch {
	case errors.Is(err, storage.ErrIO):
		errLine(w, "io")
	case errors.Is(err, txn.ErrAlreadyInTransaction):
		errLine(w, "nested")
	case errors.Is(err, txn.ErrNoActiveTransaction):
		errLine(w, "notx")
	default:
		errLine(w, "internal")
	}
}

func cmdSet(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 2 {
		errLine(w, "arity")
		return
	}
	if err := e.Set([]byte(args[0]), []byte(args[1])); err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func cmdGet(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 1 {
		errLine(w, "arity")
		return
	}
	v, err := e.Get([]byte(args[0]))
	if err != nil {
		mapErr(w, err)
		return
	}
	writeValue(w, v)
}

func cmdExists(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 1 {
		errLine(w, "arity")
		return
	}
	ok, err := e.Exists([]byte(args[0]))
	if err != nil {
		mapErr(w, err)
		return
	}
	if ok {
		fmt.Fprintln(w, 1)
	} else {
		fmt.Fprintln(w, 0)
	}
}

func cmdDel(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 1 {
		errLine(w, "arity")
		return
	}
	n, err := e.Del([]byte(args[0]))
	if err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, n)
}

func cmdExpire(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 2 {
		errLine(w, "arity")
		return
	}
	ms, perr := strconv.ParseInt(args[1], 10, 64)
	if perr != nil {
		errLine(w, "notint")
		return
	}
	n, err := e.Expire([]byte(args[0]), ms)
	if err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, n)
}

func cmdTTL(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 1 {
		errLine(w, "arity")
		return
	}
	remaining, err := e.TTL([]byte(args[0]))
	if err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, remaining)
}

func cmdPersist(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 1 {
		errLine(w, "arity")
		return
	}
	n, err := e.Persist([]byte(args[0]))
	if err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, n)
}

func cmdMSet(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) == 0 || len(args)%2 != 0 {
		errLine(w, "arity")
		return
	}
	pairs := make([][2][]byte, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, [2][]byte{[]byte(args[i]), []byte(args[i+1])})
	}
	if err := e.MSet(pairs); err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func cmdMGet(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) == 0 {
		errLine(w, "arity")
		return
	}
	keys := make([][]byte, len(args))
	for i, a := range args {
		keys[i] = []byte(a)
	}
	values, err := e.MGet(keys)
	if err != nil {
		mapErr(w, err)
		return
	}
	for _, v := range values {
		writeValue(w, v)
	}
}

func cmdRange(args []string, e *engine.Engine, w *bufio.Writer) {
	if len(args) != 2 {
		errLine(w, "arity")
		return
	}
	lo := boundOrNil(args[0])
	hi := boundOrNil(args[1])
	err := e.Range(lo, hi, func(key []byte) bool {
		fmt.Fprintln(w, string(key))
		return true
	})
	if err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, "END")
}

func boundOrNil(s string) []byte {
	if s == "-" {
		return nil
	}
	return []byte(s)
}

func cmdBegin(e *engine.Engine, w *bufio.Writer) {
	if err := e.Begin(); err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func cmdCommit(e *engine.Engine, w *bufio.Writer) {
	if err := e.Commit(); err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func cmdAbort(e *engine.Engine, w *bufio.Writer) {
	if err := e.Abort(); err != nil {
		mapErr(w, err)
		return
	}
	fmt.Fprintln(w, "OK")
}

func cmdStats(e *engine.Engine, w *bufio.Writer) {
	s := e.Stats()
	fmt.Fprintf(w, "keys=%d log_records=%d last_recovery_ms=%d commit_avg_us=%d\n",
		s.Keys, s.LogRecords, s.LastRecoveryMs, s.CommitAvgUs)
}

func writeValue(w *bufio.Writer, v []byte) {
	if v == nil {
		fmt.Fprintln(w, "nil")
		return
	}
	fmt.Fprintln(w, string(v))
}
