package main

// svnfs-graph walks the node-revision tree of a repository and renders
// its predecessor/copy relationships as a Graphviz DOT file, the
// node-revision analogue of gitgraph's commit-relationship graph.

import (
	"fmt"
	"os"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"
	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/svnfs/dag"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/repo"
)

func main() {
	var (
		app = kingpin.New("svnfs-graph", "Render a repository's node-revision graph as Graphviz DOT.")

		repoPath = app.Arg("path", "Repository path.").Required().String()
		rev      = app.Arg("rev", "Revision to graph (default: youngest).").Default("0").Int64()
		output   = app.Flag("output", "DOT file to write.").Short('o').Default("svnfs.dot").String()
		render   = app.Flag("render", "Also render a PNG alongside the DOT file.").Bool()
		debug    = app.Flag("debug", "Enable debug logging.").Bool()
	)
	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("svnfs-graph")).Author("svnfs")
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	logger.Infof("%v", version.Print("svnfs-graph"))

	fs, err := repo.Open(*repoPath, logger)
	if err != nil {
		logger.Errorf("opening %s: %v", *repoPath, err)
		os.Exit(2)
	}
	defer fs.Close()

	targetRev := *rev
	if targetRev == 0 {
		youngest, err := fs.YoungestRev()
		if err != nil {
			logger.Errorf("reading youngest revision: %v", err)
			os.Exit(2)
		}
		targetRev = youngest
	}

	g := newGrapher(fs, logger)
	rootID, err := fs.RootIDForRev(targetRev)
	if err != nil {
		logger.Errorf("resolving root of r%d: %v", targetRev, err)
		os.Exit(2)
	}
	rootNR, err := fs.Load(rootID)
	if err != nil {
		logger.Errorf("loading root of r%d: %v", targetRev, err)
		os.Exit(2)
	}
	if err := g.walk(rootNR, "", map[id.ID]bool{}); err != nil {
		logger.Errorf("walking r%d: %v", targetRev, err)
		os.Exit(2)
	}

	dotStr := g.graph.String()
	if err := os.WriteFile(*output, []byte(dotStr), 0644); err != nil {
		logger.Errorf("writing %s: %v", *output, err)
		os.Exit(2)
	}
	logger.Infof("wrote %s (%d nodes)", *output, g.nodeCount)

	if *render {
		if err := renderPNG(dotStr, *output); err != nil {
			logger.Errorf("rendering PNG: %v", err)
			os.Exit(2)
		}
	}
}

// grapher walks a revision's node-revision tree, adding a dot.Node per
// distinct node-revision and edges for predecessor/copy relationships.
type grapher struct {
	fs        *repo.Fs
	logger    *logrus.Logger
	graph     *dot.Graph
	nodes     map[id.ID]dot.Node
	nodeCount int
}

func newGrapher(fs *repo.Fs, logger *logrus.Logger) *grapher {
	return &grapher{
		fs:     fs,
		logger: logger,
		graph:  dot.NewGraph(dot.Directed),
		nodes:  map[id.ID]dot.Node{},
	}
}

func (g *grapher) label(nr *dag.NodeRevision, path string) string {
	kind := "file"
	if nr.Kind == dag.KindDir {
		kind = "dir"
	}
	return fmt.Sprintf("%s\nr%d %s", path, nr.ID.Rev, kind)
}

func (g *grapher) nodeFor(nr *dag.NodeRevision, path string) dot.Node {
	if n, ok := g.nodes[nr.ID]; ok {
		return n
	}
	n := g.graph.Node(g.label(nr, path))
	g.nodes[nr.ID] = n
	g.nodeCount++
	return n
}

// walk visits nr (found at path) and recurses into directory entries,
// skipping node-revisions already visited in this run.
func (g *grapher) walk(nr *dag.NodeRevision, path string, seen map[id.ID]bool) error {
	if seen[nr.ID] {
		return nil
	}
	seen[nr.ID] = true
	n := g.nodeFor(nr, pathOrRoot(path))

	if nr.PredecessorID != nil {
		predNR, err := g.fs.Load(*nr.PredecessorID)
		if err != nil {
			g.logger.Warnf("loading predecessor of %s: %v", path, err)
		} else {
			predNode := g.nodeFor(predNR, pathOrRoot(predNR.CreatedPath))
			g.graph.Edge(predNode, n, "prev")
		}
	}
	if nr.Copy != nil {
		label := fmt.Sprintf("copy from r%d", nr.Copy.FromRev)
		srcLabel := fmt.Sprintf("%s\nr%d (copy source)", nr.Copy.FromPath, nr.Copy.FromRev)
		srcNode := g.graph.Node(srcLabel)
		g.graph.Edge(srcNode, n, label)
	}

	if nr.Kind != dag.KindDir {
		return nil
	}
	dir, err := g.fs.LoadDir(nr)
	if err != nil {
		return err
	}
	for _, e := range dir.Entries() {
		childNR, err := g.fs.Load(e.ID)
		if err != nil {
			return err
		}
		if err := g.walk(childNR, path+"/"+e.Name, seen); err != nil {
			return err
		}
	}
	return nil
}

func pathOrRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// renderPNG parses dotStr and rasterizes it alongside dotPath, at
// dotPath with ".png" appended.
func renderPNG(dotStr, dotPath string) error {
	gv := graphviz.New()
	graph, err := graphviz.ParseBytes([]byte(dotStr))
	if err != nil {
		return err
	}
	pngPath := dotPath + ".png"
	return gv.RenderFilename(graph, graphviz.PNG, pngPath)
}
