package signature

import "log/slog"

// NewBuiltinRegistry returns a registry preloaded with the hand-authored
// families.
func NewBuiltinRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins registers the hand-authored families, signatures, hints
// and templates.
func RegisterBuiltins(r *Registry) {
	r.RegisterFamily(Family{
		Name:             "filesystem",
		Prefix:           "filesystem_",
		DefaultSignature: "directory_listing",
		Tools: map[string]string{
			"list_directory": "directory_listing",
			"read_file":      "file_preview",
		},
	})
	r.Register(Signature{
		ToolFamily:       "filesystem",
		SignatureID:      "directory_listing",
		TemplateID:       "filesystem.directory_listing",
		SupportedActions: []string{"list_directory", "read_file"},
		RowsKey:          "files",
	})
	r.Register(Signature{
		ToolFamily:       "filesystem",
		SignatureID:      "file_preview",
		TemplateID:       "filesystem.file_preview",
		SupportedActions: []string{"read_file"},
		RowsKey:          "lines",
	})
	r.RegisterDataHint("filesystem", "directory_listing", []string{"files"})
	r.RegisterDataHint("filesystem", "file_preview", []string{"lines"})

	r.RegisterFamily(Family{
		Name:             "alpharank",
		Prefix:           "alpharank_",
		DefaultSignature: "ranked_predictions_table",
		Tools: map[string]string{
			"latest_predictions": "ranked_predictions_table",
			"predictions":        "ranked_predictions_table",
			"market_regime":      "market_regime_snapshot",
		},
	})
	r.Register(Signature{
		ToolFamily:       "alpharank",
		SignatureID:      "ranked_predictions_table",
		TemplateID:       "alpharank.ranked_predictions_table",
		SupportedActions: []string{"latest_predictions", "symbol_detail"},
		CoverageStatus:   CoveragePartial,
		RowsKey:          "predictions",
	})
	r.Register(Signature{
		ToolFamily:       "alpharank",
		SignatureID:      "market_regime_snapshot",
		TemplateID:       "alpharank.market_regime_snapshot",
		SupportedActions: []string{"market_regime"},
	})
	r.RegisterDataHint("alpharank", "ranked_predictions_table", []string{"predictions"})
	r.RegisterDataHint("alpharank", "market_regime_snapshot", []string{"regime"})

	r.RegisterFamily(Family{
		Name:             "toolcatalog",
		Prefix:           "toolcatalog_",
		DefaultSignature: "plugin_list",
		Tools:            map[string]string{"list_projects": "plugin_list"},
	})
	r.Register(Signature{
		ToolFamily:       "toolcatalog",
		SignatureID:      "plugin_list",
		TemplateID:       "toolcatalog.plugin_list",
		SupportedActions: []string{"list_projects"},
		RowsKey:          "plugins",
	})
	r.RegisterDataHint("toolcatalog", "plugin_list", []string{"plugins"})

	for id, code := range builtinTemplates {
		r.RegisterTemplate(id, code)
	}
}

var builtinTemplates = map[string]string{
	"filesystem.directory_listing": `export default function DirectoryListing({ data, onAction }) {
  return (
    <List title="Files" count={data.total}>
      {data.rows.map((f) => (
        <Row key={f.name} icon={f.type === "directory" ? "folder" : "file"}
             onClick={() => onAction(f.type === "directory" ? "list_directory" : "read_file", { path: f.path ?? f.name })}>
          {f.name}
        </Row>
      ))}
    </List>
  );
}
`,
	"filesystem.file_preview": `export default function FilePreview({ data }) {
  return <Code title={data.fields.path} lines={data.rows} />;
}
`,
	"alpharank.ranked_predictions_table": `export default function RankedPredictions({ data, onAction }) {
  return (
    <Table title="Latest predictions" rows={data.rows}
           columns={["rank", "symbol", "score"]}
           onRowClick={(r) => onAction("symbol_detail", { symbol: r.symbol })} />
  );
}
`,
	"alpharank.market_regime_snapshot": `export default function MarketRegime({ data }) {
  return <Stat label="Market regime" value={data.fields.regime} note={data.fields.asOf} />;
}
`,
	"toolcatalog.plugin_list": `export default function PluginList({ data, onAction }) {
  return (
    <List title="Projects" count={data.total}>
      {data.rows.map((p) => (
        <Row key={p.id} detail={p.names.join(", ")}>{p.id}</Row>
      ))}
    </List>
  );
}
`,
}
