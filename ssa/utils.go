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

func minint(a int, b int) int {
    if a < b {
        return a
    } else {
        return b
    }
}

func regnewref(v Reg) (r *Reg) {
    r = new(Reg)
    *r = v
    return
}

func regsliceref(v []Reg) (r []*Reg) {
    r = make([]*Reg, len(v))
    for i := range v { r[i] = &v[i] }
    return
}

func predremove(bb *BasicBlock, e *Edge) {
    for i, p := range bb.Pred {
        if p == e {
            bb.Pred = append(bb.Pred[:i], bb.Pred[i + 1:]...)
            return
        }
    }
}

func succremove(bb *BasicBlock, e *Edge) {
    for i, p := range bb.Succ {
        if p == e {
            bb.Succ = append(bb.Succ[:i], bb.Succ[i + 1:]...)
            return
        }
    }
}
