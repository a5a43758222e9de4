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
    `testing`

    `github.com/stretchr/testify/require`
)

/* threading the latch through the exit destroys the loop, the header
 * and latch are cleared and the loop is flagged for fixup */
func TestThreadLoop_LatchToExit(t *testing.T) {
    cfg := CreateCFG()
    r := cfg.Root
    h := cfg.CreateBlock()
    l := cfg.CreateBlock()
    x := cfg.CreateBlock()
    r.termBranch(h)
    h.addInstr(&IrBinaryExpr { R: Rx(1), X: Rx(0), Y: Rz, Op: IrCmpNe })
    _, ehx := h.termCondition(Rx(1), l, x)
    elh := l.termBranch(h)
    x.termReturn()
    cfg.AnalyzeLoops()

    loop := h.Loop
    require.Equal(t, h, loop.Header)
    require.Equal(t, l, loop.Latch)

    jt := new(JumpThreading)
    jt.RegisterJumpThread(pathOf(start(elh), copys(ehx)))
    require.True(t, jt.ThreadThroughAllBlocks(cfg, true))

    /* the loop ceased to exist */
    require.Nil(t, loop.Header)
    require.Nil(t, loop.Latch)
    require.NotZero(t, cfg.LoopsState & LoopsNeedFixup)

    /* the latch now bypasses the header straight into the exit */
    dup := elh.Dst
    require.NotEqual(t, h, dup)
    require.Equal(t, x, singleSuccEdge(dup).Dst)

    /* the original header only hears from the function entry */
    require.Len(t, h.Pred, 1)
    require.Equal(t, r, h.Pred[0].Src)
    requirePhiArity(t, cfg)
    requireNoAux(t, cfg)
}

/* r -> h1 -> n1 -> h2 -> n2 -> h3 -> n3, each header looping through
 * its own body block (h -> b -> h) */
func buildLoopChain(t *testing.T) (*CFG, []*BasicBlock, []*Edge, []*Edge) {
    cfg := CreateCFG()
    r := cfg.Root
    var hh []*BasicBlock
    var latches []*Edge
    var exits []*Edge

    prev := r
    for i := 0; i < 3; i++ {
        h := cfg.CreateBlock()
        b := cfg.CreateBlock()
        next := cfg.CreateBlock()
        prev.termBranch(h)
        _, ex := h.termCondition(Rx(i), b, next)
        b.addInstr(&IrConstInt { R: Rx(8 + i), V: int64(i) })
        latches = append(latches, b.termBranch(h))
        exits = append(exits, ex)
        hh = append(hh, h)
        prev = next
    }
    prev.termReturn()
    cfg.AnalyzeLoops()
    require.Len(t, cfg.LoopList(), 3)
    return cfg, hh, latches, exits
}

/* a path that touches a third loop is truncated at the step entering
 * it, and cancelled entirely when the remainder is degenerate */
func TestThreadLoop_MultiLoopTrim(t *testing.T) {
    cfg, hh, latches, exits := buildLoopChain(t)

    /* the path crosses loop 1, the blocks after its exit, and loop 2:
     * three loop fathers, trimmed at the step entering the third */
    jt := new(JumpThreading)
    p := pathOf(start(latches[0]), copys(exits[0]), nocopy(findEdge(exits[0].Dst, hh[1])), copys(exits[1]))
    jt.RegisterJumpThread(p)
    jt.markThreadedBlocks(cfg)
    require.Equal(t, 2, p.Len())
    require.Equal(t, exits[0], p.last().E)
    require.Same(t, p, latches[0].Aux)

    /* cleanup */
    DeleteJumpThreadPath(p)
    latches[0].Aux = nil
}

/* a trimmed path that would end in a joiner is dropped instead */
func TestThreadLoop_MultiLoopTrimCancel(t *testing.T) {
    cfg, hh, latches, exits := buildLoopChain(t)

    jt := new(JumpThreading)
    p := pathOf(start(latches[0]), joiner(exits[0]), nocopy(findEdge(exits[0].Dst, hh[1])), copys(exits[1]))
    jt.RegisterJumpThread(p)
    jt.markThreadedBlocks(cfg)
    require.Nil(t, latches[0].Aux)
}

/* latch-threading peels the old header out of the loop: the target
 * becomes the header and the header copy becomes the latch */
func TestThreadLoop_LatchCase(t *testing.T) {
    cfg := CreateCFG()
    r := cfg.Root
    h := cfg.CreateBlock()
    i := cfg.CreateBlock()
    b := cfg.CreateBlock()
    x := cfg.CreateBlock()
    r.termBranch(h)
    h.addInstr(&IrBinaryExpr { R: Rx(1), X: Rx(0), Y: Rz, Op: IrCmpNe })
    _, ehb := h.termCondition(Rx(1), i, b)
    eib := i.termBranch(b)
    b.addInstr(&IrConstInt { R: Rx(2), V: 1 })
    b.Phi = []*IrPhi {{ R: Rx(3), V: map[*Edge]*Reg { ehb: regnewref(Rx(4)), eib: regnewref(Rx(5)) } }}
    ebh, _ := b.termCondition(Rx(2), h, x)
    x.termReturn()
    cfg.AnalyzeLoops()

    loop := h.Loop
    require.Equal(t, h, loop.Header)
    require.Equal(t, b, loop.Latch)

    /* after one iteration the flag is clear, the latch skips the
     * initialization arm */
    jt := new(JumpThreading)
    jt.RegisterJumpThread(pathOf(start(ebh), copys(ehb)))
    require.True(t, jt.ThreadThroughAllBlocks(cfg, false))

    /* the loop rotated: b heads it, the header copy is the new latch */
    require.Equal(t, b, loop.Header)
    require.NotNil(t, loop.Latch)
    require.NotEqual(t, h, loop.Latch)
    require.Equal(t, b, singleSuccEdge(loop.Latch).Dst)

    /* the peeled blocks moved out of the loop */
    require.Equal(t, loopOuter(loop), h.Loop)
    require.Equal(t, loopOuter(loop), i.Loop)
    require.Equal(t, loop, loop.Latch.Loop)

    /* exactly one latch, the open question stays pinned */
    require.Zero(t, cfg.LoopsState & LoopsMayHaveMultipleLatches)
    require.NotZero(t, cfg.LoopsState & LoopsNeedFixup)

    /* the φ tracks all three ways into b */
    require.Len(t, b.Pred, 3)
    requirePhiArity(t, cfg)
    requireNoAux(t, cfg)
}

/* entry-threading rotates the loop: the entry lands on a copy of the
 * header which becomes the preheader, and a fresh forwarder becomes
 * the unique latch */
func TestThreadLoop_EntriesCase(t *testing.T) {
    cfg := CreateCFG()
    r := cfg.Root
    h := cfg.CreateBlock()
    b := cfg.CreateBlock()
    x := cfg.CreateBlock()
    erh := r.termBranch(h)
    h.addInstr(&IrBinaryExpr { R: Rx(1), X: Rx(0), Y: Rz, Op: IrCmpGeu })
    ehx, ehb := h.termCondition(Rx(1), x, b)
    b.addInstr(&IrBinaryExpr { R: Rx(0), X: Rx(0), Y: Rx(2), Op: IrOpAdd })
    b.termBranch(h)
    x.termReturn()
    cfg.AnalyzeLoops()

    loop := h.Loop
    require.Equal(t, h, loop.Header)
    require.Equal(t, b, loop.Latch)

    /* the first iteration is known to enter the body */
    jt := new(JumpThreading)
    jt.RegisterJumpThread(pathOf(start(erh), copys(ehb)))
    require.True(t, jt.ThreadThroughAllBlocks(cfg, true))

    /* the body heads the rotated loop */
    require.Equal(t, b, loop.Header)
    require.NotNil(t, loop.Latch)
    require.Equal(t, b, singleSuccEdge(loop.Latch).Dst)
    require.Equal(t, loop, loop.Latch.Loop)

    /* the entry goes through the duplicated header */
    dup := erh.Dst
    require.NotEqual(t, h, dup)
    require.Equal(t, b, singleSuccEdge(dup).Dst)

    /* the old header now sits inside the loop with the branch at the
     * bottom */
    require.Len(t, h.Pred, 1)
    require.Equal(t, b, h.Pred[0].Src)
    require.Equal(t, loop.Latch, ehb.Dst)
    require.Equal(t, x, ehx.Dst)

    /* a single latch, the rotation cannot manufacture a second one */
    require.Zero(t, cfg.LoopsState & LoopsMayHaveMultipleLatches)
    requirePhiArity(t, cfg)
    requireNoAux(t, cfg)
}

/* a joiner path on the latch edge that stays inside the loop
 * disqualifies header threading */
func TestThreadLoop_JoinerLatchCancelled(t *testing.T) {
    cfg := CreateCFG()
    r := cfg.Root
    h := cfg.CreateBlock()
    a := cfg.CreateBlock()
    m := cfg.CreateBlock()
    x := cfg.CreateBlock()
    r.termBranch(h)
    h.addInstr(&IrConstInt { R: Rx(1), V: 1 })
    eha, _ := h.termCondition(Rx(1), a, x)
    eam := a.termBranch(m)
    m.addInstr(&IrConstInt { R: Rx(2), V: 2 })
    emh, _ := m.termCondition(Rx(2), h, x)
    x.termReturn()
    cfg.AnalyzeLoops()

    loop := h.Loop
    require.Equal(t, m, loop.Latch)

    jt := new(JumpThreading)
    jt.RegisterJumpThread(pathOf(start(emh), joiner(eha), copys(eam)))
    require.False(t, jt.ThreadThroughAllBlocks(cfg, true))

    /* the request was cancelled, the loop is intact */
    require.Equal(t, h, loop.Header)
    require.Equal(t, m, loop.Latch)
    require.Zero(t, cfg.LoopsState & LoopsNeedFixup)
    requireNoAux(t, cfg)
}

func TestThreadLoop_DominationStatus(t *testing.T) {
    cfg := CreateCFG()
    r := cfg.Root
    h := cfg.CreateBlock()
    a := cfg.CreateBlock()
    m := cfg.CreateBlock()
    x := cfg.CreateBlock()
    r.termBranch(h)
    h.termCondition(Rx(0), a, x)
    a.termBranch(m)
    m.termCondition(Rx(1), h, x)
    x.termReturn()
    cfg.AnalyzeLoops()
    loop := h.Loop
    require.Equal(t, m, loop.Latch)

    /* a feeds the latch on every path, the exit block does not, and
     * the latch itself is not a direct header successor */
    require.Equal(t, _DomstDominating, determineBBDominationStatus(cfg, loop, a))
    require.Equal(t, _DomstNondominating, determineBBDominationStatus(cfg, loop, x))
    require.Equal(t, _DomstNondominating, determineBBDominationStatus(cfg, loop, m))
}
