// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package pipeline

import (
	"io"
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// An execution context for pipeline stages
type Context struct {
	Log      io.Writer
	OutDir   string   // Directory artifacts are written to
	MemoryMB int      // memory.TotalMemory()/1024/1024
}

func NewContext(log io.Writer, outDir string) *Context {
	memoryMB:=int(memory.TotalMemory()/1024/1024)
	return &Context{
		Log:      log,
		OutDir:   outDir,
		MemoryMB: memoryMB,
	}
}

// Worker count policy: all available cores, single-threaded, or a fixed count.
// Parsed once from an option value and resolved into a concrete worker count
// at stage start
type Parallelism struct {
	kind  int   // 0=all cores, 1=disabled, 2=fixed
	fixed int
}

// Maps an option value to a policy: 0 uses all available cores, negative
// forces single-threaded execution, N uses exactly N workers
func ParseParallelism(n int) Parallelism {
	switch {
	case n==0:
		return Parallelism{kind:0}
	case n<0:
		return Parallelism{kind:1}
	default:
		return Parallelism{kind:2, fixed:n}
	}
}

// Resolves the policy into a concrete worker count, >=1
func (p Parallelism) Resolve() int {
	switch p.kind {
	case 0:
		cores:=cpuid.CPU.LogicalCores
		if procs:=runtime.GOMAXPROCS(0); cores<1 || procs<cores {
			cores=procs
		}
		if cores<1 { cores=1 }
		return cores
	case 1:
		return 1
	default:
		return p.fixed
	}
}
