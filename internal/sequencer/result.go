package sequencer

import (
	"fmt"
	"strings"

	"projectplanner/internal/diff"
	"projectplanner/internal/draft"
)

// Step 是一次已发出的远程写操作
type Step struct {
	Index int
	Op    diff.Operation
	// ID 为 create 返回的新 id，update/delete 为目标 id
	ID  int64
	Err error
}

func (s Step) String() string {
	if s.Op.Action == diff.ActionCreate && s.ID != 0 {
		return fmt.Sprintf("#%d %s -> %d", s.Index, s.Op, s.ID)
	}
	return fmt.Sprintf("#%d %s", s.Index, s.Op)
}

// Result 描述一次同步的执行情况。失败时即为部分同步结果：
// 已生效的步骤不会回滚，调用方据此提升本地 identity
type Result struct {
	State    State
	Applied  []Step
	Failed   *Step
	Unissued []diff.Operation
	// Canceled 非空表示在检查点处因 context 取消而停止
	Canceled error

	ProjectID     int64
	StageIDs      map[draft.Key]int64
	AssignmentIDs map[draft.Key]int64
	// 已删除远程行、但 draft 中仍存在的 assignment（replace-all 中被替换的那些）
	DeletedAssignments []draft.Key
}

func newResult() *Result {
	return &Result{
		StageIDs:      make(map[draft.Key]int64),
		AssignmentIDs: make(map[draft.Key]int64),
	}
}

func (r *Result) Committed() bool {
	return r.State.Phase == PhaseCommitted
}

// Err 返回导致同步停止的错误；成功时为 nil
func (r *Result) Err() error {
	if r.Failed != nil {
		return r.Failed.Err
	}
	return r.Canceled
}

func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d applied", r.State, len(r.Applied))
	if r.Failed != nil {
		fmt.Fprintf(&b, ", failed at %s: %v", r.Failed, r.Failed.Err)
	}
	if r.Canceled != nil {
		fmt.Fprintf(&b, ", canceled: %v", r.Canceled)
	}
	if len(r.Unissued) > 0 {
		fmt.Fprintf(&b, ", %d not issued", len(r.Unissued))
	}
	return b.String()
}
