package rbac

// Default policy for the attempt and grading engine.
var RolePermissions = map[string][]string{
	"student": {
		"exam:view",
		"attempt:start",
		"attempt:save",
		"attempt:select",
		"attempt:submit",
		"attempt:view-own",
	},
	"teacher": {
		"exam:create",
		"exam:view",
		"attempt:view-all",
		"grade:manual",
		"grade:ai",
		"regrade:run",
		"users:bulk_upsert",
		"users:list",
	},
	"admin": {
		"*", // everything
	},
}
