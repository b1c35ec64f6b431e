package extract

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
)

// Go extracts documented functions, methods and type declarations from Go source
func Go(path string, src []byte) []Unit {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil
	}

	offset := func(p token.Pos) int {
		return fset.Position(p).Offset
	}
	unit := func(kind domain.UnitKind, name string, doc *ast.CommentGroup, node ast.Node) Unit {
		start, declStart, end := offset(doc.Pos()), offset(node.Pos()), offset(node.End())
		return Unit{
			Kind:      kind,
			Name:      name,
			Code:      string(src[start:end]),
			CodeNoDoc: string(src[declStart:end]),
			Doc:       cleanDoc(doc.Text()),
			Span:      domain.Span{Start: start, End: end},
		}
	}

	var units []Unit
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Doc == nil || strings.TrimSpace(d.Doc.Text()) == "" {
				continue
			}
			name := d.Name.Name
			if recv := receiverName(d); recv != "" {
				name = recv + "." + name
			}
			units = append(units, unit(domain.UnitKindFunction, name, d.Doc, d))

		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts := spec.(*ast.TypeSpec)
				doc, node := ts.Doc, ast.Node(ts)
				if doc == nil && !d.Lparen.IsValid() {
					doc, node = d.Doc, d
				}
				if doc == nil || strings.TrimSpace(doc.Text()) == "" {
					continue
				}
				units = append(units, unit(domain.UnitKindClass, ts.Name.Name, doc, node))
			}
		}
	}
	return units
}

func receiverName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	expr := fn.Recv.List[0].Type
	for {
		switch t := expr.(type) {
		case *ast.StarExpr:
			expr = t.X
		case *ast.IndexExpr:
			expr = t.X
		case *ast.IndexListExpr:
			expr = t.X
		case *ast.Ident:
			return t.Name
		default:
			return ""
		}
	}
}
