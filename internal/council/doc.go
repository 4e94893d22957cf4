// Package council 协调编排者、执行者与评审者三个角色执行模块的步骤依赖图。
//
// 编排者角色由 Plan 承担：依赖全部进入 COMPLETED 或 SKIPPED 的步骤进入就绪集，
// 就绪步骤并发派发。执行者与评审者是外部能力，通过 Table 按步骤能力名查找。
// 每个步骤在调用执行者之前依次经过幂等账本与预算账本。
package council
