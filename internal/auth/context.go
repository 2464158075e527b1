package auth

import "context"

type subjectKey struct{}

// AnonymousName 是认证关闭时记录的决策人。
const AnonymousName = "anonymous"

// WithSubject 将通过认证的主体存入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出上下文中的主体，没有时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// NameFromContext 返回主体名称，没有主体时返回 AnonymousName。
func NameFromContext(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return AnonymousName
}
