package trace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/forksim/internal/simulator"
)

const defaultLabelTimeout = 2 * time.Second

// DecodedLog is a log annotated with its event signature.
type DecodedLog struct {
	Address common.Address
	// Event is the event name, or the hex topic when the event is unknown.
	Event string
	Args  []string
}

func (l DecodedLog) String() string {
	return fmt.Sprintf("%s(%s)", l.Event, strings.Join(l.Args, ", "))
}

// DecodedFrame is a call frame annotated for display.
type DecodedFrame struct {
	Frame *simulator.CallFrame
	// Label names the callee, empty when no labeler knew it.
	Label string
	// Function is the called function's name, the hex selector when the
	// signature is unknown, or one of fallback, receive, new and selfdestruct.
	Function     string
	Args         []string
	Returns      []string
	Events       []DecodedLog
	RevertReason string
	Children     []*DecodedFrame
}

// Name is the label of the callee, or its address.
func (f *DecodedFrame) Name() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Frame.Address.Hex()
}

// eventABIResolver is implemented by resolvers that know the full event
// definition and so which parameters are indexed.
type eventABIResolver interface {
	EventABI(topic common.Hash) (abi.Event, bool)
}

// Decoder turns raw call frames into readable traces. It memoises labels for
// its lifetime and is not safe for concurrent use.
type Decoder struct {
	signatures   SignatureResolver
	labeler      Labeler
	labelTimeout time.Duration
	labels       map[common.Address]string
}

// NewDecoder builds a decoder. labeler may be nil.
func NewDecoder(signatures SignatureResolver, labeler Labeler) *Decoder {
	return &Decoder{
		signatures:   signatures,
		labeler:      labeler,
		labelTimeout: defaultLabelTimeout,
		labels:       make(map[common.Address]string),
	}
}

// SetLabelTimeout bounds the labeling of one frame tree.
func (d *Decoder) SetLabelTimeout(timeout time.Duration) {
	d.labelTimeout = timeout
}

// Identify labels the addresses of frame and all of its descendants. An
// address is asked about at most once per call. Answers, including "no
// label", are memoised; failed lookups leave it unlabeled until the next call.
func (d *Decoder) Identify(ctx context.Context, frame *simulator.CallFrame) {
	if d.labeler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.labelTimeout)
	defer cancel()
	d.identify(ctx, frame, make(map[common.Address]struct{}))
}

func (d *Decoder) identify(ctx context.Context, frame *simulator.CallFrame, tried map[common.Address]struct{}) {
	_, known := d.labels[frame.Address]
	_, seen := tried[frame.Address]
	if !known && !seen && ctx.Err() == nil {
		tried[frame.Address] = struct{}{}
		name, err := d.labeler.Label(ctx, frame.Address)
		switch {
		case err == nil || errors.Is(err, ErrNoLabel):
			d.labels[frame.Address] = name
		default:
			log.Debug("Address labeling failed", "addr", frame.Address, "err", err)
		}
	}
	for _, child := range frame.Children {
		d.identify(ctx, child, tried)
	}
}

// Label returns the memoised label of addr.
func (d *Decoder) Label(addr common.Address) string {
	return d.labels[addr]
}

// Decode annotates frame and its descendants. It never fails: anything that
// cannot be decoded is shown raw.
func (d *Decoder) Decode(frame *simulator.CallFrame) *DecodedFrame {
	out := &DecodedFrame{
		Frame: frame,
		Label: d.Label(frame.Address),
	}
	d.decodeCall(out)
	d.decodeOutcome(out)
	for _, l := range frame.Logs {
		out.Events = append(out.Events, d.decodeLog(l.Address, l.Topics, l.Data))
	}
	for _, child := range frame.Children {
		out.Children = append(out.Children, d.Decode(child))
	}
	return out
}

// Format identifies, decodes and renders a frame tree.
func (d *Decoder) Format(ctx context.Context, frame *simulator.CallFrame) string {
	d.Identify(ctx, frame)
	return Render(d.Decode(frame))
}

func (d *Decoder) decodeCall(out *DecodedFrame) {
	frame := out.Frame
	switch frame.Kind {
	case "CREATE", "CREATE2":
		out.Function = "new"
		out.Args = []string{fmt.Sprintf("<%d bytes of initcode>", len(frame.Input))}
		return
	case "SELFDESTRUCT":
		out.Function = "selfdestruct"
		return
	}

	input := frame.Input
	if len(input) < 4 {
		if len(input) == 0 && frame.Value != nil && frame.Value.Sign() > 0 {
			out.Function = "receive"
		} else {
			out.Function = "fallback"
		}
		if len(input) > 0 {
			out.Args = []string{hexutil.Encode(input)}
		}
		return
	}

	selector := [4]byte(input[:4])
	sig, ok := d.signatures.Function(selector)
	if !ok {
		out.Function = hexutil.Encode(selector[:])
		if len(input) > 4 {
			out.Args = []string{hexutil.Encode(input[4:])}
		}
		return
	}

	name, args, err := parseSignature(sig)
	if err != nil {
		out.Function = sig
		out.Args = []string{hexutil.Encode(input[4:])}
		return
	}
	out.Function = name
	values, err := args.UnpackValues(input[4:])
	if err != nil {
		log.Trace("Failed to decode calldata", "sig", sig, "err", err)
		if len(input) > 4 {
			out.Args = []string{hexutil.Encode(input[4:])}
		}
		return
	}
	out.Args = formatValues(values)
}

func (d *Decoder) decodeOutcome(out *DecodedFrame) {
	frame := out.Frame
	if frame.Success {
		if len(frame.Output) > 0 {
			if frame.Kind == "CREATE" || frame.Kind == "CREATE2" {
				out.Returns = []string{fmt.Sprintf("%d bytes of code", len(frame.Output))}
			} else {
				out.Returns = []string{hexutil.Encode(frame.Output)}
			}
		}
		return
	}
	if reason, ok := simulator.RevertReason(frame.Output); ok {
		out.RevertReason = reason
		return
	}
	if len(frame.Output) > 0 {
		out.RevertReason = hexutil.Encode(frame.Output)
		return
	}
	if !frame.Reverted() {
		out.RevertReason = frame.Error
	}
}

func (d *Decoder) decodeLog(addr common.Address, topics []common.Hash, data []byte) DecodedLog {
	out := DecodedLog{Address: addr}
	if len(topics) == 0 {
		out.Event = "anonymous"
		out.Args = rawLogArgs(topics, data)
		return out
	}

	if resolver, ok := d.signatures.(eventABIResolver); ok {
		if event, ok := resolver.EventABI(topics[0]); ok {
			if args, err := decodeEvent(event.Inputs, topics[1:], data); err == nil {
				out.Event = event.RawName
				out.Args = args
				return out
			}
		}
	}

	sig, ok := d.signatures.Event(topics[0])
	if !ok {
		out.Event = topics[0].Hex()
		out.Args = rawLogArgs(topics[1:], data)
		return out
	}
	name, inputs, err := parseSignature(sig)
	if err != nil || len(topics)-1 > len(inputs) {
		out.Event = sig
		out.Args = rawLogArgs(topics[1:], data)
		return out
	}
	// text signatures do not say which parameters are indexed; assume the
	// leading ones, as Solidity events usually declare them
	for i := range inputs {
		inputs[i].Indexed = i < len(topics)-1
	}
	args, err := decodeEvent(inputs, topics[1:], data)
	if err != nil {
		out.Event = sig
		out.Args = rawLogArgs(topics[1:], data)
		return out
	}
	out.Event = name
	out.Args = args
	return out
}

func decodeEvent(inputs abi.Arguments, topics []common.Hash, data []byte) ([]string, error) {
	values, err := inputs.NonIndexed().UnpackValues(data)
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, len(inputs))
	topicIdx, valueIdx := 0, 0
	for _, input := range inputs {
		var rendered string
		if input.Indexed {
			if topicIdx >= len(topics) {
				return nil, errors.New("missing indexed topic")
			}
			rendered = formatTopic(input.Type, topics[topicIdx])
			topicIdx++
		} else {
			rendered = formatValue(values[valueIdx])
			valueIdx++
		}
		if input.Name != "" {
			rendered = input.Name + ": " + rendered
		}
		args = append(args, rendered)
	}
	return args, nil
}

// formatTopic decodes an indexed value. Dynamic types are only present as
// their hash.
func formatTopic(typ abi.Type, topic common.Hash) string {
	switch typ.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return topic.Hex()
	}
	values, err := abi.Arguments{{Type: typ}}.UnpackValues(topic.Bytes())
	if err != nil || len(values) != 1 {
		return topic.Hex()
	}
	return formatValue(values[0])
}

func rawLogArgs(topics []common.Hash, data []byte) []string {
	args := make([]string, 0, len(topics)+1)
	for _, topic := range topics {
		args = append(args, topic.Hex())
	}
	if len(data) > 0 {
		args = append(args, hexutil.Encode(data))
	}
	return args
}

// parseSignature splits "name(type1,type2)" into the name and unnamed
// arguments.
func parseSignature(sig string) (string, abi.Arguments, error) {
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return "", nil, fmt.Errorf("malformed signature %q", sig)
	}
	name := sig[:open]
	params := splitTypes(sig[open+1 : len(sig)-1])

	args := make(abi.Arguments, 0, len(params))
	for _, param := range params {
		if strings.HasPrefix(param, "(") {
			return "", nil, fmt.Errorf("tuple parameters are not supported: %q", sig)
		}
		typ, err := abi.NewType(param, "", nil)
		if err != nil {
			return "", nil, fmt.Errorf("invalid type %q in %q: %w", param, sig, err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return name, args, nil
}

// splitTypes splits a parameter list on top-level commas.
func splitTypes(list string) []string {
	if list == "" {
		return nil
	}
	var (
		types []string
		depth int
		start int
	)
	for i, c := range list {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				types = append(types, strings.TrimSpace(list[start:i]))
				start = i + 1
			}
		}
	}
	return append(types, strings.TrimSpace(list[start:]))
}

func formatValues(values []any) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatValue(v)
	}
	return out
}

func formatValue(v any) string {
	switch val := v.(type) {
	case *big.Int:
		return val.String()
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case []byte:
		return hexutil.Encode(val)
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		return fmt.Sprint(val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			for i := range buf {
				buf[i] = byte(rv.Index(i).Uint())
			}
			return hexutil.Encode(buf)
		}
		fallthrough
	case reflect.Slice:
		items := make([]string, rv.Len())
		for i := range items {
			items[i] = formatValue(rv.Index(i).Interface())
		}
		return "[" + strings.Join(items, ", ") + "]"
	}
	return fmt.Sprint(v)
}
