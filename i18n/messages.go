// Package i18n renders the human text the queue writes into task progress,
// exec_desc and console status lines.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys
const (
	TaskCreated      = "task.created"
	TaskStarted      = "task.started"
	TaskDone         = "task.done"
	TaskFailed       = "task.failed"
	TaskExists       = "task.exists"
	TaskNotFound     = "task.not_found"
	TaskLineMarker   = "task.line"
	TaskUnitMissing  = "task.unit_missing"
	TaskPanicked     = "task.panicked"
	ReaperResetLoop  = "reaper.reset_loop"
	ReaperFailedLoop = "reaper.failed_loop"
	ReaperTimedOut   = "reaper.timed_out"
	ReaperResetting  = "reaper.resetting"
	ReaperSummary    = "reaper.summary"
	ReaperSuperseded = "reaper.superseded"
	DispatchSpawned  = "dispatch.spawned"
	DispatchRunning  = "dispatch.running"
	DispatchFailed   = "dispatch.failed"
	DispatchEnded    = "dispatch.ended"
)

var entries = map[string]map[language.Tag]string{
	TaskCreated:      {language.English: ">>> Task created <<<", language.Chinese: ">>> 任务创建成功 <<<"},
	TaskStarted:      {language.English: ">>> Task processing started <<<", language.Chinese: ">>> 任务处理开始 <<<"},
	TaskDone:         {language.English: ">>> Task completed <<<", language.Chinese: ">>> 任务处理完成 <<<"},
	TaskFailed:       {language.English: ">>> Task failed <<<", language.Chinese: ">>> 任务处理失败 <<<"},
	TaskExists:       {language.English: "task %s already exists", language.Chinese: "任务 %s 已经存在"},
	TaskNotFound:     {language.English: "task %s not found", language.Chinese: "任务 %s 不存在"},
	TaskLineMarker:   {language.English: ">>> %s <<<", language.Chinese: ">>> %s <<<"},
	TaskUnitMissing:  {language.English: "unit %s is not registered", language.Chinese: "任务单元 %s 未注册"},
	TaskPanicked:     {language.English: "task panicked: %v", language.Chinese: "任务异常中止: %v"},
	ReaperResetLoop:  {language.English: "Task execution timed out, task auto-reset!", language.Chinese: "任务执行超时，已自动重置任务！"},
	ReaperFailedLoop: {language.English: "Task execution failed, task auto-reset!", language.Chinese: "任务执行失败，已自动重置任务！"},
	ReaperTimedOut:   {language.English: "Task execution timed out, marked as failed!", language.Chinese: "任务执行超时，已自动标识为失败！"},
	ReaperResetting:  {language.English: "Resetting task %s", language.Chinese: "正在重置任务 %s"},
	ReaperSummary: {
		language.English: "Cleaned %d history tasks, closed %d timed-out tasks, reset %d loop tasks",
		language.Chinese: "清理 %d 条历史任务，关闭 %d 条超时任务，重置 %d 条循环任务",
	},
	ReaperSuperseded: {
		language.English: "Another task with the same title is active, loop stopped!",
		language.Chinese: "已有同名任务在执行，循环任务已停止！",
	},
	DispatchSpawned: {language.English: "# Created new process -> [%s] %s", language.Chinese: "# 创建任务进程 -> [%s] %s"},
	DispatchRunning: {language.English: "# Already in progress -> [%s] %s", language.Chinese: "# 任务正在执行 -> [%s] %s"},
	DispatchFailed:  {language.English: "# Execution failed -> [%s] %s, %s", language.Chinese: "# 执行失败 -> [%s] %s，%s"},
	DispatchEnded:   {language.English: "# Process ended -> [%s]", language.Chinese: "# 任务进程结束 -> [%s]"},
}

var cat = buildCatalog()

func buildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, translations := range entries {
		for tag, text := range translations {
			if err := b.SetString(tag, key, text); err != nil {
				panic("i18n: invalid catalog entry " + key + ": " + err.Error())
			}
		}
	}
	return b
}

// Printer renders catalog messages in one language.
type Printer struct {
	p *message.Printer
}

// New returns a printer for lang ("en", "zh", or any BCP 47 tag).
// Unknown or unsupported languages fall back to English.
func New(lang string) *Printer {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	matched, _, _ := language.NewMatcher(cat.Languages()).Match(tag)
	return &Printer{p: message.NewPrinter(matched, message.Catalog(cat))}
}

// Sprintf renders the message for key with args.
func (p *Printer) Sprintf(key string, args ...interface{}) string {
	return p.p.Sprintf(key, args...)
}
