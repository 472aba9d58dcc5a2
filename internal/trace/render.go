package trace

import (
	"fmt"
	"strings"

	"github.com/xlab/treeprint"
)

// Render draws a decoded frame tree, one node per call in pre-order:
//
//	[30412] WETH9::transfer(0x..., 1000)
//	├── emit Transfer(from: 0x..., to: 0x..., value: 1000)
//	└── ← [Return] 0x...01
func Render(frame *DecodedFrame) string {
	tree := treeprint.NewWithRoot(header(frame))
	addFrame(tree, frame)
	return tree.String()
}

func addFrame(branch treeprint.Tree, frame *DecodedFrame) {
	for _, child := range frame.Children {
		addFrame(branch.AddBranch(header(child)), child)
	}
	for _, event := range frame.Events {
		branch.AddNode("emit " + event.String())
	}
	branch.AddNode(outcome(frame))
}

func header(frame *DecodedFrame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s::%s(%s)", frame.Frame.GasUsed, frame.Name(), frame.Function, strings.Join(frame.Args, ", "))
	if v := frame.Frame.Value; v != nil && v.Sign() > 0 {
		fmt.Fprintf(&b, "{value: %s}", v)
	}
	switch frame.Frame.Kind {
	case "STATICCALL", "DELEGATECALL", "CALLCODE":
		fmt.Fprintf(&b, " [%s]", strings.ToLower(string(frame.Frame.Kind)))
	}
	return b.String()
}

func outcome(frame *DecodedFrame) string {
	if frame.Frame.Success {
		if len(frame.Returns) == 0 {
			return "← [Stop]"
		}
		return "← [Return] " + strings.Join(frame.Returns, ", ")
	}
	status := "Revert"
	if !frame.Frame.Reverted() {
		status = frame.Frame.Error
	}
	if frame.RevertReason == "" || frame.RevertReason == frame.Frame.Error {
		return fmt.Sprintf("← [%s]", status)
	}
	return fmt.Sprintf("← [%s] %s", status, frame.RevertReason)
}
