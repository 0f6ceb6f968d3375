package mcpserver

// RecordFormatContract describes the Markdown person record format the
// backend imports, so an assistant can explain what a node carries.
const RecordFormatContract = `# Arbor Person Record Format

Every person is one Markdown file under the record directory.

## Structure

` + "```" + `markdown
---
id: p-0042                 # REQUIRED – unique, stable node id
parent: p-0007             # OPTIONAL – id of the primary parent; empty for roots
secondary_parent: p-0008   # OPTIONAL – second parent, not used for layout
generation: 3              # OPTIONAL – informational generation number
order: 2                   # OPTIONAL – sibling order (ascending)
display: Ada Lovelace      # OPTIONAL – falls back to the first H1, then the id
email: ada@example.com
phone: "+44 20 0000 0000"
born: 1815-12-10
died: 1852-11-27
location: London
photo: ada.png             # asset ref, served per resolution bucket
tags: [mathematician]
extra:
  nickname: Enchantress of Numbers
---

# Ada Lovelace

Biography in Markdown. Mention relatives with [[p-0007|her father]].
Inline #tags are collected with the frontmatter tags.
` + "```" + `

## Rules

1. **Structure fields** (` + "`" + `id` + "`" + `, ` + "`" + `parent` + "`" + `, ` + "`" + `order` + "`" + `, ` + "`" + `display` + "`" + `) are loaded up front and fix layout.
2. **Detail fields** (contact, dates, location, photo, biography, extra) arrive later through enrichment.
3. A removed file tombstones its node; restoring the file revives it.
4. Two files with the same id: the first owner wins until it is removed.
5. Photos live at ` + "`" + `<bucket>/<photo>` + "`" + ` with buckets ` + "`" + `thumb` + "`" + `, ` + "`" + `medium` + "`" + `, ` + "`" + `full` + "`" + `.
`
