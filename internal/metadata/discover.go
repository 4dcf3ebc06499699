package metadata

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/testwatch/testwatch/internal/analytics"
)

// FileFailure records one file the discoverer could not read or parse.
// Malformed testbed/testmanagement decorator arguments do not produce a
// FileFailure; applyDecorator skips them field by field.
type FileFailure struct {
	Path string
	Err  error
}

// Discoverer walks a checked-out source tree and extracts DiscoveredTests by
// parsing each Python file's AST (never executing it) and reading
// `testbed(topology=...)`/`testmanagement(case=..., qtest_tc_id=..., priority=...)`
// decorators on test-named symbols (spec §4.H step 3).
type Discoverer struct {
	testRootPrefix *regexpModuleExtractor
	stagingTests   *StagingSet
	tunables       Tunables
	logger         *slog.Logger
}

// NewDiscoverer builds a Discoverer. testRootPrefix locates the path segment
// used to derive testcase_module, matching the Artifact Parser's rule (spec
// §3, §4.A) so both components agree on module names for the same test.
func NewDiscoverer(testRootPrefix string, stagingTests *StagingSet, logger *slog.Logger) *Discoverer {
	return NewDiscovererWithTunables(testRootPrefix, stagingTests, Tunables{}, logger)
}

// NewDiscovererWithTunables builds a Discoverer that also resolves decorator
// aliases configured in an optional testwatch.yaml (spec §4, "decorator name
// aliases").
func NewDiscovererWithTunables(testRootPrefix string, stagingTests *StagingSet, tunables Tunables, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Discoverer{
		testRootPrefix: newModuleExtractor(testRootPrefix),
		stagingTests:   stagingTests,
		tunables:       tunables,
		logger:         logger,
	}
}

// Discover walks every *.py file under root and returns the tests found plus
// any per-file failures encountered along the way. A file failure never
// aborts the whole walk (spec §9 "Dynamic decorator parsing").
func (d *Discoverer) Discover(ctx context.Context, root string) ([]DiscoveredTest, []FileFailure, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	var (
		tests    []DiscoveredTest
		failures []FileFailure
	)

	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() || !strings.HasSuffix(path, ".py") {
			return nil
		}

		fileTests, err := d.parseFile(ctx, parser, path)
		if err != nil {
			failures = append(failures, FileFailure{Path: path, Err: err})
			d.logger.Warn("metadata discovery: file parse failed",
				slog.String("path", path), slog.String("error", err.Error()))

			return nil
		}

		// The test-root prefix is matched against the path relative to root,
		// so module names do not depend on where the tree is checked out.
		if rel, relErr := filepath.Rel(root, path); relErr == nil {
			for i := range fileTests {
				fileTests[i].Module = d.testRootPrefix.moduleFor(filepath.ToSlash(rel))
			}
		}

		tests = append(tests, fileTests...)

		return nil
	})
	if walkErr != nil {
		return nil, failures, fmt.Errorf("metadata: walk source tree: %w", walkErr)
	}

	return tests, failures, nil
}

func (d *Discoverer) parseFile(ctx context.Context, parser *sitter.Parser, path string) ([]DiscoveredTest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	defer tree.Close()

	var tests []DiscoveredTest

	d.walk(tree.RootNode(), content, path, "", &tests)

	return tests, nil
}

func (d *Discoverer) walk(node *sitter.Node, content []byte, path, className string, tests *[]DiscoveredTest) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)

		switch child.Type() {
		case "class_definition":
			name := nodeText(child.ChildByFieldName("name"), content)

			body := child.ChildByFieldName("body")
			if body != nil {
				d.walk(body, content, path, name, tests)
			}

		case "function_definition":
			if t, ok := d.testFromDefinition(child, nil, content, path, className); ok {
				*tests = append(*tests, t)
			}

		case "decorated_definition":
			d.walkDecorated(child, content, path, className, tests)

		default:
			d.walk(child, content, path, className, tests)
		}
	}
}

func (d *Discoverer) walkDecorated(node *sitter.Node, content []byte, path, className string, tests *[]DiscoveredTest) {
	var (
		decorators []*sitter.Node
		def        *sitter.Node
	)

	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)

		switch child.Type() {
		case "decorator":
			decorators = append(decorators, child)
		case "function_definition":
			def = child
		case "class_definition":
			// Decorated classes are not test symbols in this discovery model.
			return
		}
	}

	if def == nil {
		return
	}

	if t, ok := d.testFromDefinition(def, decorators, content, path, className); ok {
		*tests = append(*tests, t)
	}
}

func (d *Discoverer) testFromDefinition(
	def *sitter.Node,
	decorators []*sitter.Node,
	content []byte,
	path, className string,
) (DiscoveredTest, bool) {
	nameNode := def.ChildByFieldName("name")
	if nameNode == nil {
		return DiscoveredTest{}, false
	}

	name := nodeText(nameNode, content)
	if !strings.HasPrefix(name, "test_") && !strings.HasPrefix(name, "Test") {
		return DiscoveredTest{}, false
	}

	test := DiscoveredTest{
		TestcaseName:  name,
		TestClassName: className,
		Module:        d.testRootPrefix.moduleFor(path),
		TestPath:      path,
		TestState:     TestStateProd,
		Priority:      analytics.PriorityUnknown,
	}

	if d.stagingTests != nil && d.stagingTests.Contains(className, name) {
		test.TestState = TestStateStaging
	}

	for _, dec := range decorators {
		d.applyDecorator(dec, content, path, &test)
	}

	return test, true
}

// applyDecorator inspects one `@name(...)` decorator node. Unknown decorator
// names are ignored; testbed/testmanagement with malformed arguments are
// skipped silently at the field level — the test itself is still reported.
func (d *Discoverer) applyDecorator(dec *sitter.Node, content []byte, path string, test *DiscoveredTest) {
	call := decoratorCall(dec)
	if call == nil {
		return
	}

	funcNode := call.ChildByFieldName("function")
	if funcNode == nil {
		return
	}

	name := d.tunables.CanonicalDecorator(nodeText(funcNode, content))

	args := call.ChildByFieldName("arguments")
	if args == nil {
		return
	}

	kwargs := keywordArgs(args, content)

	switch name {
	case "testbed":
		test.Topology = strings.Trim(kwargs["topology"], `"'`)
	case "testmanagement":
		if caseID := strings.Trim(kwargs["case"], `"'`); caseID != "" {
			test.TestCaseID = caseID
			test.TestrailID = "C" + caseID
		}

		if qtestID, ok := kwargs["qtest_tc_id"]; ok {
			test.TestCaseID = strings.Trim(qtestID, `"'`)
		}

		if rawPriority, ok := kwargs["priority"]; ok {
			test.Priority = analytics.NormalizePriority(strings.Trim(rawPriority, `"'`))
		}
	default:
		d.logger.Debug("metadata discovery: ignoring unknown decorator",
			slog.String("decorator", name), slog.String("path", path))
	}
}

// decoratorCall returns the "call" node inside a decorator, skipping the
// leading '@' token. Bare decorators (no call, e.g. `@pytest.fixture`) have
// no arguments and are returned as nil.
func decoratorCall(dec *sitter.Node) *sitter.Node {
	for i := 0; i < int(dec.NamedChildCount()); i++ {
		child := dec.NamedChild(i)
		if child.Type() == "call" {
			return child
		}
	}

	return nil
}

// keywordArgs extracts `name=value` pairs from a call's argument_list node.
func keywordArgs(args *sitter.Node, content []byte) map[string]string {
	result := make(map[string]string)

	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() != "keyword_argument" {
			continue
		}

		nameNode := arg.ChildByFieldName("name")
		valueNode := arg.ChildByFieldName("value")

		if nameNode == nil || valueNode == nil {
			continue
		}

		result[nodeText(nameNode, content)] = nodeText(valueNode, content)
	}

	return result
}

func nodeText(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}

	return string(content[node.StartByte():node.EndByte()])
}
