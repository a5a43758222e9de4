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
    `os`
    `path/filepath`
    `sort`
    `strings`
    `testing`

    `github.com/google/go-cmp/cmp`
    `github.com/stretchr/testify/require`
)

func dumpbb(bb *BasicBlock) string {
    var ss []string
    for _, v := range bb.Phi {
        ss = append(ss, "    " + v.String())
    }
    for _, v := range bb.Ins {
        ss = append(ss, "    " + v.String())
    }
    if bb.Term != nil {
        for _, ln := range strings.Split(bb.Term.String(), "\n") {
            ss = append(ss, "    " + ln)
        }
    }
    return strings.Join(ss, "\n")
}

func cfgdot(cfg *CFG, fn string) error {
    buf := []string {
        "digraph CFG {",
        `    node [ fontname = "Fira Code" shape = "box" ]`,
        `    START [ shape = "circle" ]`,
        fmt.Sprintf(`    START -> bb_%d`, cfg.Root.Id),
    }
    for _, bb := range cfg.Blocks() {
        buf = append(buf, fmt.Sprintf(`    bb_%d [ label = "bb_%d\n%s" ]`, bb.Id, bb.Id, dumpbb(bb)))

        /* label switch edges with their case values */
        if sw, ok := bb.Term.(*IrSwitch); ok && len(sw.Br) != 0 {
            for it := sw.Successors(); it.Next(); {
                e := it.Edge()
                if v, vk := it.Value(); vk {
                    buf = append(buf, fmt.Sprintf(`    bb_%d -> bb_%d [ label = "%d" ]`, e.Src.Id, e.Dst.Id, v))
                } else {
                    buf = append(buf, fmt.Sprintf(`    bb_%d -> bb_%d [ label = "otherwise" ]`, e.Src.Id, e.Dst.Id))
                }
            }
            continue
        }

        /* plain edges */
        for _, e := range bb.Succ {
            buf = append(buf, fmt.Sprintf(`    bb_%d -> bb_%d`, e.Src.Id, e.Dst.Id))
        }
    }
    buf = append(buf, "}")
    return os.WriteFile(fn, []byte(strings.Join(buf, "\n")), 0644)
}

/* edgepairs dumps every reachable edge as "src->dst", sorted, for
 * structural comparisons. */
func edgepairs(cfg *CFG) []string {
    var ret []string
    for _, bb := range cfg.Blocks() {
        for _, e := range bb.Succ {
            ret = append(ret, fmt.Sprintf("%d->%d", e.Src.Id, e.Dst.Id))
        }
    }
    sort.Strings(ret)
    return ret
}

func requirePhiArity(t *testing.T, cfg *CFG) {
    for _, bb := range cfg.Blocks() {
        for _, phi := range bb.Phi {
            require.Equalf(t, len(bb.Pred), len(phi.V), "φ arity mismatch in bb_%d", bb.Id)
            for _, e := range bb.Pred {
                _, ok := phi.V[e]
                require.Truef(t, ok, "φ in bb_%d has no argument for %s", bb.Id, e)
            }
        }
    }
}

func requireNoAux(t *testing.T, cfg *CFG) {
    for _, bb := range cfg.Blocks() {
        for _, e := range bb.Pred {
            require.Nilf(t, e.Aux, "dangling path annotation on %s", e)
        }
        for _, e := range bb.Succ {
            require.Nilf(t, e.Aux, "dangling path annotation on %s", e)
        }
    }
}

func TestCFG_Build(t *testing.T) {
    cfg := CreateCFG()
    a := cfg.Root
    b := cfg.CreateBlock()
    c := cfg.CreateBlock()
    d := cfg.CreateBlock()
    a.addInstr(&IrConstInt { R: Rx(0), V: 42 })
    a.termBranch(b)
    b.addInstr(&IrBinaryExpr { R: Rx(1), X: Rx(0), Y: Rz, Op: IrCmpEq })
    b.termCondition(Rx(1), c, d)
    c.termReturn(Rx(0))
    d.termReturn()
    cfg.Rebuild()

    /* everything hangs off the root */
    require.Len(t, cfg.Blocks(), 4)
    require.Equal(t, a, cfg.DominatedBy[b.Id])
    require.Equal(t, b, cfg.DominatedBy[c.Id])
    require.Equal(t, b, cfg.DominatedBy[d.Id])

    /* post-order visits the root last */
    var order []int
    cfg.PostOrder().ForEach(func(bb *BasicBlock) {
        order = append(order, bb.Id)
    })
    require.Len(t, order, 4)
    require.Equal(t, a.Id, order[3])

    /* render for manual inspection */
    fn := filepath.Join(t.TempDir(), "cfg.gv")
    require.NoError(t, cfgdot(cfg, fn))
}

func TestCFG_DuplicateBlock(t *testing.T) {
    cfg := CreateCFG()
    a := cfg.Root
    b := cfg.CreateBlock()
    c := cfg.CreateBlock()
    d := cfg.CreateBlock()
    a.termBranch(b)
    b.addInstr(&IrConstInt { R: Rx(1), V: 7 })
    ebc, _ := b.termCondition(Rx(1), c, d)
    c.Phi = []*IrPhi {{ R: Rx(2), V: map[*Edge]*Reg { ebc: regnewref(Rx(1)) } }}
    c.termReturn(Rx(2))
    d.termReturn()

    nb := duplicateBlock(cfg, b)
    require.NotEqual(t, b.Id, nb.Id)
    require.Empty(t, nb.Pred)
    require.Len(t, nb.Succ, 2)
    require.Len(t, nb.Phi, 0)
    require.Len(t, nb.Ins, 1)
    require.NotSame(t, b.Ins[0], nb.Ins[0])

    /* the copied branch table references the copied edges */
    sw := nb.Term.(*IrSwitch)
    require.Equal(t, c, sw.Br[1].Dst)
    require.Equal(t, d, sw.Ln.Dst)
    require.Same(t, nb, sw.Ln.Src)

    /* c now sees an extra predecessor without a φ argument yet */
    require.Len(t, c.Pred, 2)
    require.Len(t, c.Phi[0].V, 1)
}

func TestCFG_RedirectCoalesce(t *testing.T) {
    cfg := CreateCFG()
    a := cfg.Root
    b := cfg.CreateBlock()
    c := cfg.CreateBlock()
    et, ef := a.termCondition(Rx(0), b, c)
    b.termReturn()
    c.termReturn()

    before := edgepairs(cfg)
    require.Equal(t, "", cmp.Diff([]string { "1->2", "1->3" }, before))

    /* redirecting the true edge onto c merges it with the false edge */
    e2 := redirectEdgeAndBranch(et, c)
    require.Same(t, ef, e2)
    require.Len(t, a.Succ, 1)
    require.Len(t, c.Pred, 1)
    require.Empty(t, b.Pred)

    /* the branch table references the surviving edge */
    sw := a.Term.(*IrSwitch)
    require.Same(t, ef, sw.Br[1])
    require.Same(t, ef, sw.Ln)
}

func TestCFG_MakeForwarderBlock(t *testing.T) {
    cfg := CreateCFG()
    a := cfg.Root
    p := cfg.CreateBlock()
    m := cfg.CreateBlock()
    x := cfg.CreateBlock()
    ea, ep := a.termCondition(Rx(0), p, m)
    epm := p.termBranch(m)
    m.Phi = []*IrPhi {{ R: Rx(1), V: map[*Edge]*Reg { ep: regnewref(Rx(2)), epm: regnewref(Rx(3)) } }}
    m.termBranch(x)
    x.termReturn()
    _ = ea

    fe := makeForwarderBlock(cfg, m, ep)
    fw := fe.Src
    require.Equal(t, m, fe.Dst)
    require.Len(t, fw.Pred, 1)
    require.Same(t, epm, fw.Pred[0])
    require.Len(t, m.Pred, 2)

    /* the moved argument lives in the forwarder now, the original φ
     * routes it through the forwarding edge */
    require.Len(t, fw.Phi, 1)
    require.Equal(t, Rx(3), *fw.Phi[0].V[epm])
    require.Equal(t, Rx(1), *m.Phi[0].V[fe])
    require.Equal(t, Rx(2), *m.Phi[0].V[ep])
    requirePhiArity(t, cfg)
}
