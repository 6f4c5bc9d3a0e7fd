package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/marcinbor85/gohex"

	"github.com/hartex-rtos/hartex/kernel"
)

// ramBase is where the dump places the first stack, the start of SRAM on
// Cortex-M parts.
const ramBase = 0x20000000

// stackImage lays the task stacks out one after the other, lowest task id
// first, as they would sit in a statically allocated stack area. It returns
// the memory image and the base address of each stack.
func stackImage(tasks []kernel.TaskInfo) (*gohex.Memory, map[kernel.TaskID]uint32, error) {
	mem := gohex.NewMemory()
	bases := make(map[kernel.TaskID]uint32, len(tasks))
	addr := uint32(ramBase)
	for _, t := range tasks {
		if len(t.Stack) == 0 {
			continue
		}
		buf := make([]byte, 4*len(t.Stack))
		for i, w := range t.Stack {
			binary.LittleEndian.PutUint32(buf[4*i:], w)
		}
		if err := mem.AddBinary(addr, buf); err != nil {
			return nil, nil, fmt.Errorf("task %d: %v", t.ID, err)
		}
		bases[t.ID] = addr
		addr += uint32(len(buf))
	}
	return mem, bases, nil
}

// writeDump writes the stacks of tasks to path as Intel HEX. A lock file next
// to path keeps two runs from writing the same dump.
func writeDump(path string, tasks []kernel.TaskInfo) error {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is locked by another process", path)
	}
	defer lock.Unlock()

	mem, _, err := stackImage(tasks)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := mem.DumpIntelHex(f, 16); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
