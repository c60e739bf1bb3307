// internal/services/prompts.go
package services

import (
	"fmt"
	"strings"

	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/Corphon/SerialWriter/internal/utils"
)

// 摘要输入截断长度（按字符）
const (
	summaryDirectionRunes = 500
	summaryContentRunes   = 8000
	compactionInputRunes  = 6000
)

const directionSystemPrompt = `你是一名专业的小说策划。请结合世界设定、背景设定、人物设定、整体大纲、已写章节的摘要，以及作者给出的剧情走向，规划【本章的具体走向】。

要求：
- 只写本章剧情走向，不写正文
- 具体、可执行：关键场景、人物行动、情绪转折、伏笔
- 不要空泛的概括，要能直接用来扩写正文
- 与前后章衔接自然，剧情连贯
- 不违背人物设定和世界观`

const summarySystemPrompt = `你是摘要专家。把给定的小说章节正文压缩成一段简洁的摘要，供后续章节生成时参考，保持剧情连贯。

要求：
- 篇幅 100–300 字
- 按时间或因果顺序概括关键情节、人物行为、重要对话与决定
- 保留人物关系变化、场景转换、情绪转折等会影响后续剧情的信息
- 只输出摘要正文，不加标题或说明`

const volumeSystemPrompt = `你是摘要专家。把一卷中各章的摘要压缩成该卷的卷摘要，供后续章节生成时参考。

要求：
- 篇幅 200–500 字
- 突出本卷主线与重要支线，保留核心情节、人物弧光和关键转折
- 概括人物关系变化、主要冲突及其解决、伏笔的埋设与回收
- 与前后卷有承接时可简要提及
- 只输出摘要正文，不加标题或说明`

// chapterLabel 第{v+1}卷 第{c+1}章
func chapterLabel(volumeIdx, chapterIdx int) string {
	return fmt.Sprintf("第%d卷 第%d章", volumeIdx+1, chapterIdx+1)
}

func directionMessages(context, userDirection string, volumeIdx, chapterIdx int) []llm.Message {
	user := fmt.Sprintf("%s\n\n---\n【作者指定的剧情走向】\n%s\n\n---\n请输出：%s 的具体走向。只输出走向内容，不要其他说明。",
		context, userDirection, chapterLabel(volumeIdx, chapterIdx))
	return []llm.Message{llm.System(directionSystemPrompt), llm.User(user)}
}

func contentMessages(context, direction string, volumeIdx, chapterIdx, minChars, maxChars int) []llm.Message {
	system := fmt.Sprintf(`你是一名专业的小说作家。根据设定、大纲、已有章节摘要和本章具体走向，写出本章完整的小说正文。

要求：
- 只写正文，不要标题和章节号
- 篇幅严格控制在 %d 字以上、%d 字以内（含标点）
- 采用日本轻小说中文译本的常见风格：简洁、口语化、节奏明快，对话自然
- 多分段，每段 1–3 句为宜，避免大段连续叙述，对话可单独成段
- 人物性格与口吻符合人物设定，风格与前文一致`, minChars, maxChars)

	user := fmt.Sprintf("%s\n\n---\n【本章具体走向】\n%s\n\n---\n请写出%s的完整正文。篇幅须在 %d–%d 字之间。只输出正文内容。",
		context, direction, chapterLabel(volumeIdx, chapterIdx), minChars, maxChars)
	return []llm.Message{llm.System(system), llm.User(user)}
}

func summaryMessages(direction, content string) []llm.Message {
	user := fmt.Sprintf("【本章走向参考】\n%s\n\n【正文】\n%s\n\n---\n请输出本章摘要（100-300字）。只输出摘要内容。",
		utils.TruncateRunes(direction, summaryDirectionRunes),
		utils.TruncateRunes(content, summaryContentRunes))
	return []llm.Message{llm.System(summarySystemPrompt), llm.User(user)}
}

// compactionInput 各章摘要按位置编号，以空行分隔，截断到固定长度
func compactionInput(summaries []string) string {
	lines := make([]string, len(summaries))
	for i, s := range summaries {
		lines[i] = fmt.Sprintf("第%d章：%s", i+1, s)
	}
	return utils.TruncateRunes(strings.Join(lines, "\n\n"), compactionInputRunes)
}

func volumeMessages(summaries []string) []llm.Message {
	user := fmt.Sprintf("【各章摘要】\n%s\n\n---\n请输出该卷的卷摘要（200-500字）。只输出摘要内容。", compactionInput(summaries))
	return []llm.Message{llm.System(volumeSystemPrompt), llm.User(user)}
}
