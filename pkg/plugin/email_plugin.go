package plugin

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"sort"
	"strconv"
	"strings"

	"github.com/LENAX/node-engine/pkg/core/events"
	"github.com/LENAX/node-engine/pkg/log"
)

// EmailPluginName 邮件插件名称
const EmailPluginName = "email"

// sendFunc 发送一封已编码的邮件
type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailPlugin 邮件告警插件（对外导出）
type EmailPlugin struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       []string
	enabled  bool
	send     sendFunc
}

// NewEmailPlugin 创建邮件告警插件（对外导出）
func NewEmailPlugin() *EmailPlugin {
	p := &EmailPlugin{}
	p.send = p.sendSMTP
	return p
}

// Name 实现Plugin接口
func (e *EmailPlugin) Name() string {
	return EmailPluginName
}

// Init 读取SMTP参数：smtp_host、smtp_port（默认25）、username、password、from、to（逗号分隔）
func (e *EmailPlugin) Init(params map[string]string) error {
	e.smtpHost = params["smtp_host"]
	if e.smtpHost == "" {
		return fmt.Errorf("smtp_host参数不能为空")
	}

	e.smtpPort = 25
	if portStr := params["smtp_port"]; portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("smtp_port参数格式错误: %w", err)
		}
		e.smtpPort = port
	}

	e.username = params["username"]
	e.password = params["password"]

	e.from = params["from"]
	if e.from == "" {
		return fmt.Errorf("from参数不能为空")
	}

	e.to = e.to[:0]
	for _, addr := range strings.Split(params["to"], ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			e.to = append(e.to, addr)
		}
	}
	if len(e.to) == 0 {
		return fmt.Errorf("to参数不能为空")
	}

	e.enabled = true
	log.Infof("✅ [EmailPlugin] 初始化完成: SMTP=%s:%d, From=%s, To=%v", e.smtpHost, e.smtpPort, e.from, e.to)
	return nil
}

// Execute 实现Plugin接口
func (e *EmailPlugin) Execute(_ context.Context, ev events.Event) error {
	if !e.enabled {
		return fmt.Errorf("邮件插件未初始化")
	}

	subject := buildSubject(ev)
	msg := e.buildMessage(subject, buildBody(ev))

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}
	addr := fmt.Sprintf("%s:%d", e.smtpHost, e.smtpPort)
	if err := e.send(addr, auth, e.from, e.to, []byte(msg)); err != nil {
		log.Errorf("❌ [EmailPlugin] 发送邮件失败: %v", err)
		return err
	}

	log.Infof("✅ [EmailPlugin] 邮件发送成功: Event=%s, Subject=%s", ev.Type, subject)
	return nil
}

func buildSubject(ev events.Event) string {
	switch ev.Type {
	case events.ExecutionSucceeded:
		return fmt.Sprintf("[Execution成功] %s - %s", ev.WorkflowID, ev.ExecutionID)
	case events.ExecutionFailed:
		return fmt.Sprintf("[Execution失败] %s - %s", ev.WorkflowID, ev.ExecutionID)
	case events.ExecutionCancelled:
		return fmt.Sprintf("[Execution取消] %s - %s", ev.WorkflowID, ev.ExecutionID)
	case events.TaskDeadLettered:
		return fmt.Sprintf("[进入死信队列] %s - %s", ev.NodeID, ev.TaskID)
	case events.BreakerOpened:
		return fmt.Sprintf("[熔断打开] %s", ev.NodeType)
	default:
		return fmt.Sprintf("[系统通知] %s", ev.Type)
	}
}

func buildBody(ev events.Event) string {
	var body strings.Builder
	fmt.Fprintf(&body, "事件类型: %s\n", ev.Type)
	fmt.Fprintf(&body, "时间: %s\n", ev.At.Format("2006-01-02 15:04:05"))
	if ev.Status != "" {
		fmt.Fprintf(&body, "状态: %s\n", ev.Status)
	}
	if ev.WorkflowID != "" {
		fmt.Fprintf(&body, "Workflow ID: %s\n", ev.WorkflowID)
	}
	if ev.ExecutionID != "" {
		fmt.Fprintf(&body, "Execution ID: %s\n", ev.ExecutionID)
	}
	if ev.NodeID != "" {
		fmt.Fprintf(&body, "Node: %s (%s)\n", ev.NodeID, ev.NodeType)
	}
	if ev.TaskID != "" {
		fmt.Fprintf(&body, "Task ID: %s\n", ev.TaskID)
	}
	if ev.Attempt > 0 {
		fmt.Fprintf(&body, "尝试次数: %d\n", ev.Attempt)
	}
	if ev.Error != "" {
		fmt.Fprintf(&body, "错误信息: %s\n", ev.Error)
	}
	if len(ev.Data) > 0 {
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		body.WriteString("\n详细信息:\n")
		for _, k := range keys {
			fmt.Fprintf(&body, "  %s: %v\n", k, ev.Data[k])
		}
	}
	return body.String()
}

func (e *EmailPlugin) buildMessage(subject, body string) string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// sendSMTP 465端口走隐式TLS，其余端口使用net/smtp默认流程
func (e *EmailPlugin) sendSMTP(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	if auth == nil || e.smtpPort != 465 {
		return smtp.SendMail(addr, auth, from, to, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.smtpHost})
	if err != nil {
		return fmt.Errorf("TLS连接失败: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP认证失败: %w", err)
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("设置收件人失败: %w", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("获取数据写入器失败: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("关闭数据写入器失败: %w", err)
	}
	return client.Quit()
}

var _ Plugin = (*EmailPlugin)(nil)
