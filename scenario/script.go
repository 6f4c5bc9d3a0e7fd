package scenario

import (
	"fmt"
	"strconv"

	"github.com/google/shlex"

	"github.com/hartex-rtos/hartex/config"
	"github.com/hartex-rtos/hartex/kernel"
)

type opcode int

const (
	opPush opcode = iota
	opClear
	opPrint
	opLog
	opYield
	opWait
	opRelease
	opBlock
	opSpin
	opExit
	opLoop
)

// step is one compiled script line.
type step struct {
	op   opcode
	res  string
	n    int64
	mask kernel.Mask
	args []string
}

// compile turns the script lines of task i into steps. Lines are split with
// shell quoting rules, so `log "two words"` logs one argument.
func compile(i int, lines []string, resources map[string]bool, maxTasks int) ([]step, error) {
	var errs config.Errors
	steps := make([]step, 0, len(lines))
	for j, line := range lines {
		path := fmt.Sprintf("tasks[%d].script[%d]", i, j)
		st, err := parseStep(line, resources, maxTasks)
		if err != nil {
			errs = append(errs, config.Error{Path: path, Msg: err.Error()})
			continue
		}
		if st.op == opLoop && j != len(lines)-1 {
			errs = append(errs, config.Error{Path: path, Msg: "loop must be the last step"})
			continue
		}
		steps = append(steps, st)
	}
	if len(errs) != 0 {
		return nil, errs
	}
	return steps, nil
}

func parseStep(line string, resources map[string]bool, maxTasks int) (step, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return step{}, fmt.Errorf("%q: %v", line, err)
	}
	if len(words) == 0 {
		return step{}, fmt.Errorf("empty step")
	}
	op, args := words[0], words[1:]

	nargs := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d arguments, got %d", op, n, len(args))
		}
		return nil
	}
	resource := func(name string) error {
		if !resources[name] {
			return fmt.Errorf("unknown resource %q", name)
		}
		return nil
	}

	switch op {
	case "acquire":
		if len(args) < 2 {
			return step{}, fmt.Errorf("usage: acquire <resource> push <n> | acquire <resource> clear")
		}
		if err := resource(args[0]); err != nil {
			return step{}, err
		}
		switch args[1] {
		case "push":
			if len(args) != 3 {
				return step{}, fmt.Errorf("usage: acquire <resource> push <n>")
			}
			n, err := strconv.ParseInt(args[2], 0, 64)
			if err != nil {
				return step{}, fmt.Errorf("bad value %q: %v", args[2], err)
			}
			return step{op: opPush, res: args[0], n: n}, nil
		case "clear":
			if len(args) != 2 {
				return step{}, fmt.Errorf("usage: acquire <resource> clear")
			}
			return step{op: opClear, res: args[0]}, nil
		}
		return step{}, fmt.Errorf("unknown resource operation %q", args[1])
	case "print":
		if err := nargs(1); err != nil {
			return step{}, err
		}
		if err := resource(args[0]); err != nil {
			return step{}, err
		}
		return step{op: opPrint, res: args[0]}, nil
	case "log":
		return step{op: opLog, args: args}, nil
	case "yield", "wait", "exit", "loop":
		if err := nargs(0); err != nil {
			return step{}, err
		}
		return step{op: map[string]opcode{"yield": opYield, "wait": opWait, "exit": opExit, "loop": opLoop}[op]}, nil
	case "release", "block":
		if len(args) == 0 {
			return step{}, fmt.Errorf("%s needs at least one task id", op)
		}
		var m kernel.Mask
		for _, a := range args {
			id, err := strconv.Atoi(a)
			if err != nil || id < 0 || id >= maxTasks {
				return step{}, fmt.Errorf("bad task id %q", a)
			}
			m |= kernel.TaskID(id).Mask()
		}
		o := opRelease
		if op == "block" {
			o = opBlock
		}
		return step{op: o, mask: m}, nil
	case "spin":
		if err := nargs(1); err != nil {
			return step{}, err
		}
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n < 0 {
			return step{}, fmt.Errorf("bad tick count %q", args[0])
		}
		return step{op: opSpin, n: n}, nil
	}
	return step{}, fmt.Errorf("unknown step %q", op)
}
