package searchd

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/hitoshi/feedsearch/internal/searchbackend"
)

// buildQuery は検索リクエストをbleveのクエリに変換する。
// フィルタがある場合は本体のクエリとの論理積をとる。
func buildQuery(im mapping.IndexMapping, req *searchbackend.SearchRequest) (query.Query, error) {
	q, err := mainQuery(im, req.Query)
	if err != nil {
		return nil, err
	}
	if req.Filter == nil || req.Filter.Terms == nil {
		return q, nil
	}
	return bleve.NewConjunctionQuery(q, termsFilter(req.Filter.Terms)), nil
}

func mainQuery(im mapping.IndexMapping, q searchbackend.Query) (query.Query, error) {
	switch {
	case q.QueryString != nil:
		return queryString(im, q.QueryString)
	case q.MultiMatch != nil:
		return multiMatch(im, q.MultiMatch)
	case q.MatchAll != nil:
		return bleve.NewMatchAllQuery(), nil
	default:
		return nil, errors.New("queryが指定されていません")
	}
}

// queryString はクエリ文字列を解析する。
// DefaultOperatorがANDの場合、演算子のない語もすべて必須とする。
func queryString(im mapping.IndexMapping, qs *searchbackend.QueryStringQuery) (query.Query, error) {
	if strings.TrimSpace(qs.Query) == "" {
		return bleve.NewMatchNoneQuery(), nil
	}
	parsed, err := bleve.NewQueryStringQuery(qs.Query).Parse()
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(qs.DefaultOperator) {
	case "", "OR":
		return parsed, nil
	case "AND":
		return requireAll(im, parsed), nil
	default:
		return nil, fmt.Errorf("default_operatorが不正です: %s", qs.DefaultOperator)
	}
}

// requireAll はクエリ文字列の解析結果のうち任意項（should）を必須項（must）に移す。
// ストップワードのみの語のように解析後に語が残らない項は、必須にすると何にも一致しなくなるため除く。
func requireAll(im mapping.IndexMapping, q query.Query) query.Query {
	bq, ok := q.(*query.BooleanQuery)
	if !ok {
		return q
	}

	var must, mustNot []query.Query
	for _, c := range flatten(bq.Must) {
		if !analyzesToNothing(im, c) {
			must = append(must, c)
		}
	}
	for _, c := range flatten(bq.Should) {
		if !analyzesToNothing(im, c) {
			must = append(must, c)
		}
	}
	mustNot = flatten(bq.MustNot)

	if len(must) == 0 && len(mustNot) == 0 {
		return bleve.NewMatchNoneQuery()
	}
	return query.NewBooleanQuery(must, nil, mustNot)
}

// flatten は論理積・論理和の子クエリを取り出す。
func flatten(q query.Query) []query.Query {
	switch v := q.(type) {
	case nil:
		return nil
	case *query.ConjunctionQuery:
		return v.Conjuncts
	case *query.DisjunctionQuery:
		return v.Disjuncts
	default:
		return []query.Query{q}
	}
}

// analyzesToNothing は語の一致クエリが解析後に1語も残らないかを返す。
func analyzesToNothing(im mapping.IndexMapping, q query.Query) bool {
	mq, ok := q.(*query.MatchQuery)
	if !ok {
		return false
	}
	analyzerName := mq.Analyzer
	if analyzerName == "" {
		field := mq.FieldVal
		if field == "" {
			field = im.DefaultSearchField()
		}
		analyzerName = im.AnalyzerNameForPath(field)
	}
	analyzer := im.AnalyzerNamed(analyzerName)
	if analyzer == nil {
		return false
	}
	return len(analyzer.Analyze([]byte(mq.Match))) == 0
}

// multiMatch はフィールドごとに「MinimumShouldMatchの割合以上の語が一致する」条件を作り、
// そのいずれかを満たす文書に一致させる。語はフィールドをまたいで数えない。
func multiMatch(im mapping.IndexMapping, mm *searchbackend.MultiMatchQuery) (query.Query, error) {
	if len(mm.Fields) == 0 {
		return nil, errors.New("multi_matchのfieldsが空です")
	}
	terms, err := analyzeTerms(im, mm.Analyzer, mm.Query)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return bleve.NewMatchNoneQuery(), nil
	}

	need, err := minimumShouldMatch(mm.MinimumShouldMatch, len(terms))
	if err != nil {
		return nil, err
	}

	perField := make([]query.Query, 0, len(mm.Fields))
	for _, field := range mm.Fields {
		termQueries := make([]query.Query, 0, len(terms))
		for _, term := range terms {
			tq := bleve.NewTermQuery(term)
			tq.SetField(field)
			termQueries = append(termQueries, tq)
		}
		fq := bleve.NewDisjunctionQuery(termQueries...)
		fq.SetMin(float64(need))
		perField = append(perField, fq)
	}
	return bleve.NewDisjunctionQuery(perField...), nil
}

// analyzeTerms はアナライザーで文字列を語に分割する。重複は除く。
func analyzeTerms(im mapping.IndexMapping, analyzerName, text string) ([]string, error) {
	if analyzerName == "" {
		analyzerName = "standard"
	}
	analyzer := im.AnalyzerNamed(analyzerName)
	if analyzer == nil {
		return nil, fmt.Errorf("アナライザー %s が見つかりません", analyzerName)
	}

	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range analyzer.Analyze([]byte(text)) {
		term := string(tok.Term)
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms, nil
}

// minimumShouldMatch は"75%"または"2"形式の指定から必要な一致語数を求める。
// 割合は切り捨て、最小1・最大nとする。
func minimumShouldMatch(value string, n int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 1, nil
	}

	var need int
	if strings.HasSuffix(value, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("minimum_should_matchが不正です: %s", value)
		}
		need = int(math.Floor(pct / 100 * float64(n)))
	} else {
		v, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("minimum_should_matchが不正です: %s", value)
		}
		need = v
	}

	return max(1, min(need, n)), nil
}

// termsFilter はフィールド値がいずれかの値に一致する条件を作る。値が空なら何にも一致しない。
func termsFilter(tf *searchbackend.TermsFilter) query.Query {
	if len(tf.Values) == 0 {
		return bleve.NewMatchNoneQuery()
	}
	qs := make([]query.Query, 0, len(tf.Values))
	for _, v := range tf.Values {
		tq := bleve.NewTermQuery(v)
		tq.SetField(tf.Field)
		qs = append(qs, tq)
	}
	return bleve.NewDisjunctionQuery(qs...)
}
