package stateflow

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/alecthomas/kong"
	apperrors "github.com/goliatone/go-errors"
)

// cliNode is one segment of the mounted command tree. Leaves carry the kong
// handler struct; interior nodes become nested command groups.
type cliNode struct {
	name     string
	help     string
	group    string
	aliases  []string
	hidden   bool
	handler  any
	children map[string]*cliNode
}

func newCLINode(name string) *cliNode {
	return &cliNode{name: name, children: map[string]*cliNode{}}
}

func pathConflict(msg string, path []string) error {
	return apperrors.New(msg, apperrors.CategoryConflict).
		WithTextCode("CLI_PATH_CONFLICT").
		WithMetadata(map[string]any{"path": strings.Join(path, " ")})
}

func (n *cliNode) insert(path []string, opts CLIConfig, handler any) error {
	if len(path) == 0 {
		return apperrors.New("cli command path cannot be empty", apperrors.CategoryBadInput).
			WithTextCode("CLI_PATH_EMPTY")
	}

	curr := n
	for idx, segment := range path {
		child, ok := curr.children[segment]
		if !ok {
			child = newCLINode(segment)
			curr.children[segment] = child
		}

		if idx < len(path)-1 {
			if child.handler != nil {
				return pathConflict("cli command group shadows an existing command", path[:idx+1])
			}
			if desc := opts.groupDescription(segment); desc != "" && child.help == "" {
				child.help = desc
			}
			curr = child
			continue
		}

		if child.handler != nil {
			return pathConflict("cli command already registered for path", path)
		}
		if len(child.children) > 0 {
			return pathConflict("cli command path shadows an existing command group", path)
		}
		child.handler = handler
		child.help = opts.Description
		child.aliases = opts.Aliases
		child.hidden = opts.Hidden
		if len(opts.Groups) > 0 {
			child.group = opts.Groups[len(opts.Groups)-1].Name
		}
	}
	return nil
}

// structValue materializes the kong command struct for this subtree, children
// in name order so the generated model is deterministic.
func (n *cliNode) structValue() (reflect.Value, error) {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]reflect.StructField, 0, len(names))
	values := make([]reflect.Value, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		field, value, err := n.children[name].field()
		if err != nil {
			return reflect.Value{}, err
		}
		if _, dup := seen[field.Name]; dup {
			return reflect.Value{}, fmt.Errorf("duplicate cli command field name after normalization: %s", field.Name)
		}
		seen[field.Name] = struct{}{}
		fields = append(fields, field)
		values = append(values, value)
	}

	out := reflect.New(reflect.StructOf(fields)).Elem()
	for idx, value := range values {
		if !value.IsValid() {
			continue
		}
		if target := out.Field(idx); value.Type().AssignableTo(target.Type()) {
			target.Set(value)
		}
	}
	return out, nil
}

// field renders one node as a struct field of its parent: a leaf mounts its
// handler struct, a subtree recurses into a nested generated struct.
func (n *cliNode) field() (reflect.StructField, reflect.Value, error) {
	var value reflect.Value
	if len(n.children) == 0 {
		if n.handler == nil {
			return reflect.StructField{}, reflect.Value{}, fmt.Errorf("cli command %q missing handler", n.name)
		}
		value = reflect.ValueOf(n.handler)
		// Pointer handlers mount dereferenced: kong re-allocates pointer cmd
		// fields, which would discard the registered instance's state.
		if value.Kind() == reflect.Pointer && value.Type().Elem().Kind() == reflect.Struct {
			if value.IsNil() {
				value = reflect.Zero(value.Type().Elem())
			} else {
				value = value.Elem()
			}
		}
	} else {
		nested, err := n.structValue()
		if err != nil {
			return reflect.StructField{}, reflect.Value{}, err
		}
		value = nested
	}

	return reflect.StructField{
		Name: exportFieldName(n.name),
		Type: value.Type(),
		Tag:  n.kongTag(),
	}, value, nil
}

func (n *cliNode) kongTag() reflect.StructTag {
	tags := []string{fmt.Sprintf(`name:"%s"`, escapeTag(n.name)), `cmd:""`}
	if n.help != "" {
		tags = append(tags, fmt.Sprintf(`help:"%s"`, escapeTag(n.help)))
	}
	if n.group != "" {
		tags = append(tags, fmt.Sprintf(`group:"%s"`, escapeTag(n.group)))
	}
	if len(n.aliases) > 0 {
		tags = append(tags, fmt.Sprintf(`aliases:"%s"`, escapeTag(strings.Join(n.aliases, ","))))
	}
	if n.hidden {
		tags = append(tags, `hidden:""`)
	}
	return reflect.StructTag(strings.Join(tags, " "))
}

// exportFieldName turns a command name into an exported struct field name.
// Non-alphanumeric runes split words: "response-sweep" becomes ResponseSweep.
func exportFieldName(name string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	out := b.String()
	if out == "" {
		return "Cmd"
	}
	if first, _ := utf8.DecodeRuneInString(out); !unicode.IsLetter(first) {
		out = "Cmd" + out
	}
	return out
}

func escapeTag(val string) string {
	val = strings.ReplaceAll(val, `\`, `\\`)
	return strings.ReplaceAll(val, `"`, `\"`)
}

func buildCLIOptions(root *cliNode) ([]kong.Option, error) {
	if root == nil || len(root.children) == 0 {
		return nil, nil
	}
	model, err := root.structValue()
	if err != nil {
		return nil, err
	}
	return []kong.Option{kong.Embed(model.Addr().Interface())}, nil
}
