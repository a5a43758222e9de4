/*
 * Copyright 2024 mir-opt Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ssa

import (
    `fmt`
    `sort`
    `strings`
    `unsafe`
)

type Reg uint64

const (
    _B_ptr = 63
)

const (
    _M_ptr = 1
)

const (
    _R_ptr   = _M_ptr << _B_ptr
    _R_index = (1 << _B_ptr) - 1
)

const (
    Rz Reg = _R_index
    Pn Reg = _R_ptr | _R_index
)

func Rx(i int) Reg {
    return Reg(i) & _R_index
}

func Pt(i int) Reg {
    return _R_ptr | (Reg(i) & _R_index)
}

func (self Reg) Ptr() bool {
    return self & _R_ptr != 0
}

func (self Reg) Index() int {
    return int(self & _R_index)
}

func (self Reg) String() string {
    switch {
        case self == Rz  : return "$0"
        case self == Pn  : return "nil"
        case self.Ptr()  : return fmt.Sprintf("%%p%d", self.Index())
        default          : return fmt.Sprintf("%%r%d", self.Index())
    }
}

type IrNode interface {
    fmt.Stringer
    irnode()
}

func (*IrPhi)        irnode() {}
func (*IrSwitch)     irnode() {}
func (*IrReturn)     irnode() {}
func (*IrLoad)       irnode() {}
func (*IrStore)      irnode() {}
func (*IrConstInt)   irnode() {}
func (*IrConstPtr)   irnode() {}
func (*IrLEA)        irnode() {}
func (*IrUnaryExpr)  irnode() {}
func (*IrBinaryExpr) irnode() {}
func (*IrCall)       irnode() {}
func (*IrDebug)      irnode() {}

type IrUsages interface {
    IrNode
    Usages() []*Reg
}

type IrDefinations interface {
    IrNode
    Definations() []*Reg
}

/* IrPhi selects one incoming value per predecessor edge. The argument
 * table is keyed by the edge object itself, so edge redirection keeps
 * the argument-to-predecessor bijection without index juggling. */
type IrPhi struct {
    R Reg
    V map[*Edge]*Reg
}

func (self *IrPhi) String() string {
    nb := len(self.V)
    ret := make([]string, 0, nb)
    phi := make([]struct{b int; r Reg}, 0, nb)

    /* add each path */
    for e, reg := range self.V {
        phi = append(phi, struct{b int; r Reg}{b: e.Src.Id, r: *reg})
    }

    /* sort by predecessor block ID */
    sort.Slice(phi, func(i int, j int) bool {
        return phi[i].b < phi[j].b
    })

    /* dump as string */
    for _, p := range phi {
        ret = append(ret, fmt.Sprintf("bb_%d: %s", p.b, p.r))
    }

    /* join them together */
    return fmt.Sprintf(
        "%s = φ(%s)",
        self.R,
        strings.Join(ret, ", "),
    )
}

func (self *IrPhi) Usages() (r []*Reg) {
    r = make([]*Reg, 0, len(self.V))
    for _, v := range self.V { r = append(r, v) }
    return
}

func (self *IrPhi) Definations() []*Reg {
    return []*Reg { &self.R }
}

type IrSuccessors interface {
    Next() bool
    Edge() *Edge
    Value() (int64, bool)
}

type IrTerminator interface {
    IrNode
    Successors() IrSuccessors
    irterminator()
}

func (*IrSwitch) irterminator() {}
func (*IrReturn) irterminator() {}

type _SwitchSuccessors struct {
    i  int
    kk []int64
    vv []*Edge
    ln *Edge
}

func (self *_SwitchSuccessors) Next() bool {
    if self.i++; self.i < len(self.vv) {
        return true
    } else if self.i == len(self.vv) && self.ln != nil {
        return true
    } else {
        return false
    }
}

func (self *_SwitchSuccessors) Edge() *Edge {
    if self.i < len(self.vv) {
        return self.vv[self.i]
    } else {
        return self.ln
    }
}

func (self *_SwitchSuccessors) Value() (int64, bool) {
    if self.i < len(self.kk) {
        return self.kk[self.i], true
    } else {
        return 0, false
    }
}

/* IrSwitch terminates a block with a branch table over outgoing edges,
 * the default edge taken when no case matches. A switch with an empty
 * branch table is an unconditional goto. */
type IrSwitch struct {
    V  Reg
    Ln *Edge
    Br map[int64]*Edge
}

func (self *IrSwitch) String() string {
    nb := len(self.Br)
    ret := make([]string, 0, nb)

    /* no branches */
    if nb == 0 {
        return fmt.Sprintf("goto bb_%d", self.Ln.Dst.Id)
    }

    /* add each case, in value order */
    for _, id := range self.keys() {
        ret = append(ret, fmt.Sprintf("  %d => bb_%d,", id, self.Br[id].Dst.Id))
    }

    /* default branch */
    ret = append(ret, fmt.Sprintf(
        "  _ => bb_%d,",
        self.Ln.Dst.Id,
    ))

    /* join them together */
    return fmt.Sprintf(
        "switch %s {\n%s\n}",
        self.V,
        strings.Join(ret, "\n"),
    )
}

func (self *IrSwitch) keys() []int64 {
    kk := make([]int64, 0, len(self.Br))
    for k := range self.Br { kk = append(kk, k) }
    sort.Slice(kk, func(i int, j int) bool { return kk[i] < kk[j] })
    return kk
}

func (self *IrSwitch) Usages() []*Reg {
    return []*Reg { &self.V }
}

func (self *IrSwitch) Successors() IrSuccessors {
    kk := self.keys()
    vv := make([]*Edge, 0, len(kk))
    for _, k := range kk { vv = append(vv, self.Br[k]) }
    return &_SwitchSuccessors { i: -1, kk: kk, vv: vv, ln: self.Ln }
}

/* replaceEdge retargets every reference to a particular edge object,
 * used when edge redirection coalesces parallel edges. */
func (self *IrSwitch) replaceEdge(from *Edge, to *Edge) {
    if self.Ln == from {
        self.Ln = to
    }
    for k, e := range self.Br {
        if e == from {
            self.Br[k] = to
        }
    }
}

type _EmptySuccessor struct{}
func (_EmptySuccessor) Next()  bool          { return false }
func (_EmptySuccessor) Edge()  *Edge         { return nil }
func (_EmptySuccessor) Value() (int64, bool) { return 0, false }

type IrReturn struct {
    R []Reg
}

func (self *IrReturn) String() string {
    nb := len(self.R)
    ret := make([]string, 0, nb)

    /* dump registers */
    for _, r := range self.R {
        ret = append(ret, r.String())
    }

    /* join them together */
    return fmt.Sprintf(
        "ret {%s}",
        strings.Join(ret, ", "),
    )
}

func (self *IrReturn) Usages() []*Reg {
    return regsliceref(self.R)
}

func (self *IrReturn) Successors() IrSuccessors {
    return _EmptySuccessor{}
}

type IrLoad struct {
    R    Reg
    Mem  Reg
    Size uint8
}

func (self *IrLoad) String() string {
    return fmt.Sprintf("%s = load.u%d %s", self.R, self.Size * 8, self.Mem)
}

func (self *IrLoad) Usages() []*Reg {
    return []*Reg { &self.Mem }
}

func (self *IrLoad) Definations() []*Reg {
    return []*Reg { &self.R }
}

type IrStore struct {
    R    Reg
    Mem  Reg
    Size uint8
}

func (self *IrStore) String() string {
    return fmt.Sprintf("store.u%d(%s -> *%s)", self.Size * 8, self.R, self.Mem)
}

func (self *IrStore) Usages() []*Reg {
    return []*Reg { &self.R, &self.Mem }
}

type IrConstInt struct {
    R Reg
    V int64
}

func (self *IrConstInt) String() string {
    return fmt.Sprintf("%s = const.i64 %d", self.R, self.V)
}

func (self *IrConstInt) Definations() []*Reg {
    return []*Reg { &self.R }
}

type IrConstPtr struct {
    R Reg
    P unsafe.Pointer
}

func (self *IrConstPtr) String() string {
    return fmt.Sprintf("%s = const.ptr %p", self.R, self.P)
}

func (self *IrConstPtr) Definations() []*Reg {
    return []*Reg { &self.R }
}

type IrLEA struct {
    R   Reg
    Mem Reg
    Off Reg
}

func (self *IrLEA) String() string {
    return fmt.Sprintf("%s = &(%s)[%s]", self.R, self.Mem, self.Off)
}

func (self *IrLEA) Usages() []*Reg {
    return []*Reg { &self.Mem, &self.Off }
}

func (self *IrLEA) Definations() []*Reg {
    return []*Reg { &self.R }
}

type (
    IrUnaryOp  uint8
    IrBinaryOp uint8
)

const (
    IrOpNegate IrUnaryOp = iota
    IrOpBitNot
)

const (
    IrOpAdd IrBinaryOp = iota
    IrOpSub
    IrOpMul
    IrOpAnd
    IrOpXor
    IrOpShr
    IrCmpEq
    IrCmpNe
    IrCmpLt
    IrCmpLtu
    IrCmpGeu
)

func (self IrUnaryOp) String() string {
    switch self {
        case IrOpNegate : return "negate"
        case IrOpBitNot : return "bitnot"
        default         : panic("unreachable")
    }
}

func (self IrBinaryOp) String() string {
    switch self {
        case IrOpAdd  : return "+"
        case IrOpSub  : return "-"
        case IrOpMul  : return "*"
        case IrOpAnd  : return "&"
        case IrOpXor  : return "^"
        case IrOpShr  : return ">>"
        case IrCmpEq  : return "=="
        case IrCmpNe  : return "!="
        case IrCmpLt  : return "<"
        case IrCmpLtu : return "<#"
        case IrCmpGeu : return ">=#"
        default       : panic("unreachable")
    }
}

type IrUnaryExpr struct {
    R  Reg
    V  Reg
    Op IrUnaryOp
}

func (self *IrUnaryExpr) String() string {
    return fmt.Sprintf("%s = %s %s", self.R, self.Op, self.V)
}

func (self *IrUnaryExpr) Usages() []*Reg {
    return []*Reg { &self.V }
}

func (self *IrUnaryExpr) Definations() []*Reg {
    return []*Reg { &self.R }
}

type IrBinaryExpr struct {
    R  Reg
    X  Reg
    Y  Reg
    Op IrBinaryOp
}

func (self *IrBinaryExpr) String() string {
    return fmt.Sprintf("%s = %s %s %s", self.R, self.X, self.Op, self.Y)
}

func (self *IrBinaryExpr) Usages() []*Reg {
    return []*Reg { &self.X, &self.Y }
}

func (self *IrBinaryExpr) Definations() []*Reg {
    return []*Reg { &self.R }
}

type IrCall struct {
    Fn  string
    In  []Reg
    Out []Reg
}

func (self *IrCall) String() string {
    in := make([]string, 0, len(self.In))
    out := make([]string, 0, len(self.Out))

    /* dump args and rets */
    for _, r := range self.In  { in = append(in, r.String()) }
    for _, r := range self.Out { out = append(out, r.String()) }

    /* join them together */
    return fmt.Sprintf(
        "%s = call %s, {%s}",
        strings.Join(out, ", "),
        self.Fn,
        strings.Join(in, ", "),
    )
}

func (self *IrCall) Usages() []*Reg {
    return regsliceref(self.In)
}

func (self *IrCall) Definations() []*Reg {
    return regsliceref(self.Out)
}

/* IrDebug is a no-op marker carrying debugging information, it has no
 * run-time effect and never counts as an executable statement. */
type IrDebug struct {
    Msg string
}

func (self *IrDebug) String() string {
    return fmt.Sprintf("debug %q", self.Msg)
}

/* cloneInstr makes an independent copy of a non-φ statement so block
 * duplicates do not share mutable statement state. */
func cloneInstr(v IrNode) IrNode {
    switch p := v.(type) {
        case *IrLoad       : r := *p; return &r
        case *IrStore      : r := *p; return &r
        case *IrConstInt   : r := *p; return &r
        case *IrConstPtr   : r := *p; return &r
        case *IrLEA        : r := *p; return &r
        case *IrUnaryExpr  : r := *p; return &r
        case *IrBinaryExpr : r := *p; return &r
        case *IrDebug      : r := *p; return &r
        case *IrCall       : return &IrCall {
            Fn  : p.Fn,
            In  : append([]Reg(nil), p.In...),
            Out : append([]Reg(nil), p.Out...),
        }
        default: panic("cloneInstr: invalid instruction: " + v.String())
    }
}
