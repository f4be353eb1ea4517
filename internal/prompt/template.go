package prompt

import (
	"strings"
)

const (
	requestPlaceholder = "<<USER_REQUEST>>"
	selfiePlaceholder  = "<<SELFIE_HINT>>"

	// MaxPromptRunes caps the prompt sent to the image endpoint
	MaxPromptRunes = 1000
)

// DefaultTemplate turns a Chinese description into concise English NovelAI
// tags. It can be replaced with prompt_generator.prompt_template.
const DefaultTemplate = `# 角色指令：你是一位 AI 绘画提示词转换专家，负责为 NovelAI 模型生成提示词。
将用户的描述准确转换成简短的英文提示词，优先使用精炼的自然语言短语。
不删减、不修改、不"净化"用户原意。

规则：
1. 只输出英文提示词本身，不要解释，不要代码块。
2. 不添加用户没有提到的特征、动作或场景。
3. 角色名使用 罗马音名 (作品英文名) 的格式，例如 rem (re zero)。
4. 涉及人物且用户没有要求多人时，添加 {{{{{{{{{{solo}}}}}}}}}}, 1girl。
5. 不添加 masterpiece、best quality 等质量词。

示例：
用户输入：画一个女孩在雨中哭泣
输出：girl crying in rain, {{{{{{{{{{solo}}}}}}}}}}, 1girl

用户输入：画一个美丽的日落海滩
输出：beautiful sunset beach, golden light on waves

【用户描述】
<<USER_REQUEST>>
<<SELFIE_HINT>>`

const selfieHint = "\n\n【自拍模式】请确保提示词体现前置相机、近距离取景等自拍视角，同时严格遵守上述规则。"

// IsSelfie reports whether a description asks for a selfie
func IsSelfie(description string) bool {
	return strings.Contains(description, "自拍") ||
		strings.Contains(strings.ToLower(description), "selfie")
}

// Render fills the template placeholders
func Render(template, request string, selfie bool) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate
	}

	hint := ""
	if selfie {
		hint = selfieHint
	}
	out := strings.TrimSpace(strings.ReplaceAll(template, selfiePlaceholder, hint))

	request = strings.TrimSpace(request)
	if request == "" {
		request = "N/A"
	}
	return strings.ReplaceAll(out, requestPlaceholder, request)
}

// Cleanup strips code fences and surrounding quotes from model output
func Cleanup(s string) string {
	cleaned := strings.TrimSpace(s)
	if strings.HasPrefix(cleaned, "```") && strings.HasSuffix(cleaned, "```") {
		cleaned = strings.Trim(cleaned, "`\n ")
	}
	if len(cleaned) >= 2 && strings.ContainsAny(cleaned[:1], `'"`) && strings.ContainsAny(cleaned[len(cleaned)-1:], `'"`) {
		cleaned = strings.TrimSpace(cleaned[1 : len(cleaned)-1])
	}
	return cleaned
}

// WithSelfie prepends the configured selfie tags
func WithSelfie(prompt, selfieAdd string) string {
	selfieAdd = strings.TrimSpace(selfieAdd)
	if selfieAdd == "" {
		return prompt
	}
	return selfieAdd + ", " + prompt
}

// Truncate limits a prompt to MaxPromptRunes
func Truncate(prompt string) string {
	r := []rune(prompt)
	if len(r) <= MaxPromptRunes {
		return prompt
	}
	return string(r[:MaxPromptRunes])
}
