/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package subprocess

import (
	"strings"
)

// Cmdline joins an argument vector into one command line using the
// MS C runtime quoting rules, mainly for logs and error messages.
// Cmdline 按 MS C 运行时的引号规则把参数向量拼成一行命令，主要用于日志与错误信息。
func Cmdline(args []string) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}

		needQuote := arg == "" || strings.ContainsAny(arg, " \t")
		if needQuote {
			b.WriteByte('"')
		}

		backslashes := 0
		for _, c := range arg {
			switch c {
			case '\\':
				backslashes++
			case '"':
				b.WriteString(strings.Repeat(`\`, backslashes*2))
				backslashes = 0
				b.WriteString(`\"`)
			default:
				b.WriteString(strings.Repeat(`\`, backslashes))
				backslashes = 0
				b.WriteRune(c)
			}
		}
		b.WriteString(strings.Repeat(`\`, backslashes))

		if needQuote {
			// Trailing backslashes are doubled before the closing quote.
			// 结束引号前的反斜杠需要加倍。
			b.WriteString(strings.Repeat(`\`, backslashes))
			b.WriteByte('"')
		}
	}
	return b.String()
}
