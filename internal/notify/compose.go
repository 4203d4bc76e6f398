package notify

import (
	"fmt"
	"strings"
)

// StatusLine renders one account's result. browse is nil when browsing did
// not run.
func StatusLine(name string, loginOK, browseEnabled bool, browse *bool, timedOut bool) string {
	if timedOut {
		return fmt.Sprintf("账号 %s: ⏰执行超时", name)
	}
	var b strings.Builder
	b.WriteString("账号 ")
	b.WriteString(name)
	if loginOK {
		b.WriteString(": ✅登录成功")
	} else {
		b.WriteString(": ❌登录失败")
	}
	if browseEnabled && loginOK {
		if browse != nil && *browse {
			b.WriteString(" + 浏览任务完成")
		} else {
			b.WriteString(" + 浏览任务失败")
		}
	}
	return b.String()
}

// Summary joins status lines. Batches with more than one account get a
// leading success count.
func Summary(lines []string, succeeded, total int) string {
	body := strings.Join(lines, "\n")
	if total <= 1 {
		return body
	}
	return fmt.Sprintf("成功 %d/%d\n%s", succeeded, total, body)
}
