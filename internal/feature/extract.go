// Package feature derives the lexical, structural, operational, temporal and
// behavioral features the detection rules consume. Extraction is best-effort
// by contract: malformed or vendor-specific SQL never fails the pipeline —
// structural features default to zero and the ParseFailed flag is carried
// through so rules can treat them as absent rather than zero.
package feature

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/DataDog/go-sqllexer"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/event"
)

// Features is the derived feature vector for one statement execution.
type Features struct {
	// Lexical
	QueryLength   int     `json:"query_length"`
	QueryEntropy  float64 `json:"query_entropy"`
	HasComment    bool    `json:"has_comment"`
	HasHex        bool    `json:"has_hex"`
	IsSelectStar  bool    `json:"is_select_star"`
	HasIntoOutfile bool   `json:"has_into_outfile"`
	HasLoadData   bool    `json:"has_load_data"`

	// Structural (zeroed when ParseFailed)
	NumTables          int      `json:"num_tables"`
	NumJoins           int      `json:"num_joins"`
	NumWhereConditions int      `json:"num_where_conditions"`
	NumGroupByCols     int      `json:"num_group_by_cols"`
	NumOrderByCols     int      `json:"num_order_by_cols"`
	HasLimit           bool     `json:"has_limit"`
	HasOrderBy         bool     `json:"has_order_by"`
	HasSubquery        bool     `json:"has_subquery"`
	SubqueryDepth      int      `json:"subquery_depth"`
	HasUnion           bool     `json:"has_union"`
	HasWhere           bool     `json:"has_where"`
	IsWriteQuery       bool     `json:"is_write_query"`
	IsDDLQuery         bool     `json:"is_ddl_query"`
	AccessedTables     []string `json:"accessed_tables"`
	ParseFailed        bool     `json:"parse_failed"`

	// Operational
	ScanEfficiency    float64 `json:"scan_efficiency"`
	IsSystemTable     bool    `json:"is_system_table"`
	IsAdminCommand    bool    `json:"is_admin_command"`
	IsRiskyCommand    bool    `json:"is_risky_command"`
	IsPrivilegeChange bool    `json:"is_privilege_change"`
	IsSuspiciousFunc  bool    `json:"is_suspicious_func"`

	// Temporal
	IsLateNight bool `json:"is_late_night"`
	IsWorkHours bool `json:"is_work_hours"`

	// Windowed behavioral (trailing 5-minute window per user)
	QueryCount5m       int     `json:"query_count_5m"`
	ErrorCount5m       int     `json:"error_count_5m"`
	TotalRows5m        int64   `json:"total_rows_5m"`
	DataRetrievalSpeed float64 `json:"data_retrieval_speed"`

	// Per-user z-scores; nil until the trailing window holds enough samples.
	ExecutionTimeMsZScore *float64 `json:"execution_time_ms_zscore"`
	RowsReturnedZScore    *float64 `json:"rows_returned_zscore"`
}

// EnrichedEvent is a RawEvent plus its derived features. It lives only
// inside a detection batch; the fields that survive are flattened into the
// all_logs sink table.
type EnrichedEvent struct {
	event.RawEvent
	Features
}

var (
	hexLiteralRe = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b|\bx'[0-9a-f]+'`)

	systemSchemas = map[string]bool{
		"mysql":              true,
		"information_schema": true,
		"performance_schema": true,
		"sys":                true,
	}

	writeCommands = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true,
		"REPLACE": true, "LOAD": true,
	}
	ddlCommands = map[string]bool{
		"CREATE": true, "ALTER": true, "DROP": true,
		"TRUNCATE": true, "RENAME": true,
	}
	riskyCommands = map[string]bool{
		"DROP": true, "TRUNCATE": true,
	}
	suspiciousFuncs = map[string]bool{
		"SLEEP": true, "BENCHMARK": true, "UPDATEXML": true,
		"EXTRACTVALUE": true, "LOAD_FILE": true,
	}
	privilegeVerbs = []string{
		"GRANT", "REVOKE", "CREATE USER", "DROP USER", "ALTER USER", "SET PASSWORD",
	}
)

// Extractor derives features under the configured rule parameters. It is
// stateless apart from the shared lexer machinery and safe for reuse across
// batches; per-user windowed state lives in Windows.
type Extractor struct {
	obfuscator *sqllexer.Obfuscator
	normalizer *sqllexer.Normalizer

	adminKeywords  []string
	lateStartHour  int
	lateStartMin   int
	lateEndHour    int
	lateEndMin     int
	workHoursStart int
	workHoursEnd   int
	workWeekdays   map[int]bool
}

// NewExtractor builds an extractor from the rules/signatures config.
// Clock strings were validated at config load.
func NewExtractor(cfg *config.Config) *Extractor {
	lsH, lsM, _ := config.ParseClock(cfg.Rules.LateNightStartTime)
	leH, leM, _ := config.ParseClock(cfg.Rules.LateNightEndTime)

	weekdays := make(map[int]bool, len(cfg.Rules.SafeWeekdays))
	for _, d := range cfg.Rules.SafeWeekdays {
		weekdays[d] = true
	}
	return &Extractor{
		obfuscator: sqllexer.NewObfuscator(
			sqllexer.WithReplaceDigits(true),
		),
		normalizer: sqllexer.NewNormalizer(
			sqllexer.WithCollectTables(true),
			sqllexer.WithCollectCommands(true),
			sqllexer.WithCollectComments(true),
			sqllexer.WithUppercaseKeywords(true),
		),
		adminKeywords:  upperAll(cfg.Signatures.AdminKeywords),
		lateStartHour:  lsH,
		lateStartMin:   lsM,
		lateEndHour:    leH,
		lateEndMin:     leM,
		workHoursStart: cfg.Rules.SafeHoursStart,
		workHoursEnd:   cfg.Rules.SafeHoursEnd,
		workWeekdays:   weekdays,
	}
}

// Extract derives every non-windowed feature for one event and backfills
// NormalizedSQL and Digest when the source did not supply them.
func (x *Extractor) Extract(e *event.RawEvent) Features {
	var f Features
	sqlText := e.SQLText
	upper := strings.ToUpper(sqlText)

	// Lexical features come straight off the raw text; they survive even
	// when structural parsing fails.
	f.QueryLength = len(sqlText)
	f.QueryEntropy = ShannonEntropy(sqlText)
	f.HasHex = hexLiteralRe.MatchString(sqlText)
	f.IsSelectStar = strings.Contains(upper, "SELECT *")
	f.HasIntoOutfile = strings.Contains(upper, "INTO OUTFILE")
	f.HasLoadData = strings.Contains(upper, "LOAD DATA")

	normalized, meta, err := sqllexer.ObfuscateAndNormalize(
		sqlText, x.obfuscator, x.normalizer,
		sqllexer.WithDBMS(sqllexer.DBMSMySQL),
	)
	if err != nil || meta == nil || len(meta.Commands) == 0 {
		f.ParseFailed = true
	} else {
		if e.NormalizedSQL == "" {
			e.NormalizedSQL = normalized
		}
		f.HasComment = len(meta.Comments) > 0
		f.AccessedTables = qualifyTables(meta.Tables, e.Database)
		f.NumTables = len(f.AccessedTables)
		for _, cmd := range meta.Commands {
			verb := strings.ToUpper(cmd)
			if writeCommands[verb] {
				f.IsWriteQuery = true
			}
			if ddlCommands[verb] {
				f.IsDDLQuery = true
			}
			if riskyCommands[verb] {
				f.IsRiskyCommand = true
			}
		}
		x.scanTokens(sqlText, &f)
	}
	if e.NormalizedSQL == "" {
		e.NormalizedSQL = sqlText
	}
	if e.Digest == "" {
		e.Digest = event.ComputeDigest(e.NormalizedSQL)
	}

	// Operational
	f.ScanEfficiency = float64(e.RowsReturned) / float64(e.RowsExamined+1)
	for _, tbl := range f.AccessedTables {
		if schema, _, ok := strings.Cut(tbl, "."); ok && systemSchemas[strings.ToLower(schema)] {
			f.IsSystemTable = true
			break
		}
	}
	for _, kw := range x.adminKeywords {
		if strings.Contains(upper, kw) {
			f.IsAdminCommand = true
			break
		}
	}
	for _, verb := range privilegeVerbs {
		if strings.HasPrefix(strings.TrimSpace(upper), verb) {
			f.IsPrivilegeChange = true
			break
		}
	}

	// Temporal
	ts := e.TS.Time
	f.IsLateNight = x.inLateNightWindow(ts)
	f.IsWorkHours = x.workWeekdays[mondayIndexed(ts.Weekday())] &&
		ts.Hour() >= x.workHoursStart && ts.Hour() < x.workHoursEnd

	return f
}

// scanTokens walks the raw token stream for the counts the normalizer does
// not report: joins, where conditions, group/order columns, subquery depth.
func (x *Extractor) scanTokens(sqlText string, f *Features) {
	lexer := sqllexer.New(sqlText, sqllexer.WithDBMS(sqllexer.DBMSMySQL))

	var (
		parenDepth   int
		selectDepths []int
		clause       string // "", "WHERE", "GROUP", "ORDER"
		clauseCommas int
		sawClauseCol bool
	)
	closeClause := func() {
		switch clause {
		case "GROUP":
			if sawClauseCol {
				f.NumGroupByCols = clauseCommas + 1
			}
		case "ORDER":
			if sawClauseCol {
				f.NumOrderByCols = clauseCommas + 1
			}
		}
		clause = ""
		clauseCommas = 0
		sawClauseCol = false
	}

	for {
		tok := lexer.Scan()
		if tok.Type == sqllexer.EOF || tok.Type == sqllexer.ERROR {
			break
		}
		switch tok.Type {
		case sqllexer.SPACE, sqllexer.COMMENT, sqllexer.MULTILINE_COMMENT:
			if tok.Type != sqllexer.SPACE {
				f.HasComment = true
			}
			continue
		case sqllexer.PUNCTUATION:
			switch tok.Value {
			case "(":
				parenDepth++
			case ")":
				if parenDepth > 0 {
					parenDepth--
				}
				for len(selectDepths) > 0 && selectDepths[len(selectDepths)-1] > parenDepth {
					selectDepths = selectDepths[:len(selectDepths)-1]
				}
			case ",":
				if clause == "GROUP" || clause == "ORDER" {
					clauseCommas++
				}
			}
			continue
		case sqllexer.FUNCTION:
			name := strings.ToUpper(strings.TrimSuffix(tok.Value, "("))
			if suspiciousFuncs[name] {
				f.IsSuspiciousFunc = true
			}
		}

		word := strings.ToUpper(tok.Value)
		switch word {
		case "SELECT":
			if parenDepth > 0 {
				f.HasSubquery = true
				selectDepths = append(selectDepths, parenDepth)
				if len(selectDepths) > f.SubqueryDepth {
					f.SubqueryDepth = len(selectDepths)
				}
			}
		case "JOIN":
			f.NumJoins++
		case "WHERE":
			closeClause()
			clause = "WHERE"
			f.HasWhere = true
			f.NumWhereConditions++
		case "AND", "OR":
			if clause == "WHERE" {
				f.NumWhereConditions++
			}
		case "GROUP":
			closeClause()
			clause = "GROUP"
		case "ORDER":
			closeClause()
			clause = "ORDER"
			f.HasOrderBy = true
		case "BY":
			// stays inside the GROUP/ORDER clause
		case "LIMIT":
			closeClause()
			f.HasLimit = true
		case "UNION":
			closeClause()
			f.HasUnion = true
		case "HAVING", "FROM", "INTO", "VALUES", "SET":
			closeClause()
		default:
			if suspiciousFuncs[word] {
				f.IsSuspiciousFunc = true
			}
			if clause == "GROUP" || clause == "ORDER" {
				sawClauseCol = true
			}
		}
	}
	closeClause()
}

// inLateNightWindow reports whether ts falls in [start, end); the window may
// cross midnight. An event at exactly the end instant is not late-night.
func (x *Extractor) inLateNightWindow(ts time.Time) bool {
	minutes := ts.Hour()*60 + ts.Minute()
	start := x.lateStartHour*60 + x.lateStartMin
	end := x.lateEndHour*60 + x.lateEndMin
	if start == end {
		return false
	}
	if start < end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// ShannonEntropy is the base-2 entropy over byte frequencies of s; 0 for
// empty input.
func ShannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	total := float64(len(s))
	var h float64
	for _, n := range freq {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		h -= p * math.Log2(p)
	}
	return h
}

// qualifyTables prefixes unqualified table names with the statement's
// current schema, lower-cases everything, and deduplicates while preserving
// first-seen order.
func qualifyTables(tables []string, defaultSchema string) []string {
	seen := make(map[string]bool, len(tables))
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		name := strings.ToLower(strings.Trim(t, "`\""))
		if name == "" {
			continue
		}
		if !strings.Contains(name, ".") && defaultSchema != "" {
			name = strings.ToLower(defaultSchema) + "." + name
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func mondayIndexed(d time.Weekday) int {
	// time.Weekday has Sunday=0; config weekdays are Monday=0.
	return (int(d) + 6) % 7
}
