package analyzer

import "strings"

// 失敗パターンのタグ。分析テキストと修正内容のキーワード照合で分類する。
const (
	// TagToneMismatch はトーン・文体の不一致。
	TagToneMismatch = "tone-mismatch"
	// TagMissedSpecificRequest は指示の一部を無視した出力。
	TagMissedSpecificRequest = "missed-specific-request"
	// TagFactualError は事実誤認を含む出力。
	TagFactualError = "factual-error"
	// TagTooGeneric は内容が一般論に終始した出力。
	TagTooGeneric = "too-generic"
	// TagWrongLanguage は言語・言葉遣いの誤り。
	TagWrongLanguage = "wrong-language"
	// TagUnclassified はどのパターンにも該当しなかった場合のフォールバック。
	TagUnclassified = "unclassified"
)

// patternKeywords はタグごとの照合キーワード。
// 分析文は日本語と英語の両方があり得るため両言語のキーワードを持つ。
var patternKeywords = map[string][]string{
	TagToneMismatch: {
		"トーン", "文体", "口調", "カジュアル", "フォーマル", "堅苦し",
		"tone", "formal", "casual", "style",
	},
	TagMissedSpecificRequest: {
		"指示", "要求", "無視", "従っていない", "含まれていない", "抜け",
		"instruction", "request", "ignored", "missing requirement",
	},
	TagFactualError: {
		"事実", "誤り", "間違", "不正確", "虚偽", "存在しない",
		"factual", "incorrect", "inaccurate", "wrong fact", "hallucin",
	},
	TagTooGeneric: {
		"一般論", "具体性", "ありきたり", "抽象的", "曖昧", "汎用的",
		"generic", "vague", "specific", "concrete",
	},
	TagWrongLanguage: {
		"言語", "英語で", "日本語で", "翻訳", "言葉遣い",
		"language", "translat", "english", "japanese",
	},
}

// classifyPatterns は分析テキストからパターンタグを抽出する。
// 複数パターンに該当する場合は全てのタグを返す。
// どれにも該当しない場合はunclassifiedのみを返す。
func classifyPatterns(analysis string) []string {
	lower := strings.ToLower(analysis)

	var tags []string
	// タグの出力順を安定させるため固定順で照合する
	for _, tag := range []string{TagToneMismatch, TagMissedSpecificRequest, TagFactualError, TagTooGeneric, TagWrongLanguage} {
		for _, keyword := range patternKeywords[tag] {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				tags = append(tags, tag)
				break
			}
		}
	}

	if len(tags) == 0 {
		return []string{TagUnclassified}
	}
	return tags
}
